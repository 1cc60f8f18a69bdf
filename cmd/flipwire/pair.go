package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/flipwire/flipwire/internal/client"
	"github.com/flipwire/flipwire/internal/config"
	"github.com/flipwire/flipwire/internal/gateway"
)

var (
	pairURL   string
	pairToken string
)

var pairCmd = &cobra.Command{
	Use:   "pair [CODE]",
	Short: "Pair with a display as a controller",
	Long: `Pair with a display session and relay typed messages to it. With no
code argument a quick reconnect to the last session is offered when one
is still available.`,
	Example: `  flipwire pair XY42ZQ
  flipwire pair --url wss://flipwire.example.com --token $TOKEN XY42ZQ`,
	Args: cobra.MaximumNArgs(1),
	RunE: runPair,
}

func init() {
	pairCmd.Flags().StringVar(&pairURL, "url", "", "Gateway base URL (defaults to server.public_url from config)")
	pairCmd.Flags().StringVar(&pairToken, "token", "", "Bearer token for an authenticated session")
	rootCmd.AddCommand(pairCmd)
}

func runPair(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	baseURL := pairURL
	if baseURL == "" {
		baseURL = strings.Replace(cfg.Server.PublicURL, "ws", "http", 1)
	}

	quota, err := client.OpenQuota(quotaStatePath(cfg))
	if err != nil {
		return fmt.Errorf("failed to open quota state: %w", err)
	}

	lifecycle := client.NewLifecycle(client.LifecycleConfig{
		HardCap:       parseDuration(cfg.Client.HardCap, client.DefaultHardCap),
		InactivityCap: parseDuration(cfg.Client.InactivityCap, client.DefaultInactivityCap),
		WarningWindow: parseDuration(cfg.Client.WarningWindow, client.DefaultWarningWindow),
	})

	code, err := resolveCode(lifecycle, quota, args)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Quota draws down only for sessions that actually exist: the
	// existence probe runs first so a typo costs nothing. Malformed and
	// placeholder codes are refused before any network round trip.
	if pairToken == "" {
		if code == client.PlaceholderCode {
			return fmt.Errorf("%s is the sample code from the hint, not a real session", code)
		}
		exists, err := client.SessionExists(ctx, baseURL, code)
		if err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("no session with code %s", code)
		}
		if err := quota.Consume(code); err != nil {
			if errors.Is(err, client.ErrQuotaExhausted) {
				return fmt.Errorf("free session quota exhausted, sign in with --token to continue")
			}
			return err
		}
	}

	logger := zerolog.New(os.Stderr).Level(zerolog.WarnLevel).With().Timestamp().Logger()
	wire, err := client.Dial(ctx, baseURL, gateway.Handshake{
		Token:       pairToken,
		SessionCode: code,
		Role:        "controller",
	}, logger)
	if err != nil {
		return err
	}
	defer wire.Close()

	lifecycle.Connected()
	green := color.New(color.FgGreen).SprintFunc()
	fmt.Printf("%s paired with session %s, type messages and press enter\n", green("OK"), code)

	go printEvents(wire, lifecycle)

	return inputLoop(ctx, wire, lifecycle, code)
}

// resolveCode picks the session code: the argument if given, otherwise a
// quick reconnect offer, otherwise interactive entry.
func resolveCode(lifecycle *client.Lifecycle, quota *client.Quota, args []string) (string, error) {
	if len(args) == 1 {
		lifecycle.EnterCode()
		code := strings.ToUpper(args[0])
		if !gateway.ValidCode(code) {
			return "", fmt.Errorf("session code must be 6 uppercase alphanumeric characters, got %q", args[0])
		}
		return code, nil
	}

	reader := bufio.NewReader(os.Stdin)

	if last, ok := quota.QuickReconnect(); ok {
		lifecycle.OfferQuickReconnect()
		fmt.Printf("Reconnect to session %s? [Y/n] ", last)
		answer, _ := reader.ReadString('\n')
		answer = strings.TrimSpace(strings.ToLower(answer))
		if answer == "" || answer == "y" || answer == "yes" {
			return last, nil
		}
	}

	lifecycle.EnterCode()
	fmt.Print("Enter session code: ")
	entered, err := reader.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("read session code: %w", err)
	}
	code := strings.ToUpper(strings.TrimSpace(entered))
	if !gateway.ValidCode(code) {
		return "", fmt.Errorf("session code must be 6 uppercase alphanumeric characters, got %q", code)
	}
	return code, nil
}

func printEvents(wire *client.Wire, lifecycle *client.Lifecycle) {
	yellow := color.New(color.FgYellow).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()

	for env := range wire.Events() {
		switch env.Event {
		case gateway.EventInactivityWarning:
			var warning gateway.WarningPayload
			_ = json.Unmarshal(env.Data, &warning)
			fmt.Printf("%s %s\n", yellow("!"), warning.Message)

		case gateway.EventTerminated:
			var terminated gateway.TerminatedPayload
			_ = json.Unmarshal(env.Data, &terminated)
			fmt.Printf("%s %s\n", red("x"), terminated.Message)
			lifecycle.Expire()
			return

		case gateway.EventForceDisconnect:
			var notice gateway.ForceDisconnectPayload
			_ = json.Unmarshal(env.Data, &notice)
			fmt.Printf("%s %s\n", red("x"), notice.Message)
			lifecycle.Expire()
			return

		case gateway.EventGridInfo:
			var grid gateway.GridInfoPayload
			_ = json.Unmarshal(env.Data, &grid)
			fmt.Printf("display grid: %dx%d\n", grid.Rows, grid.Cols)
		}
	}
}

func inputLoop(ctx context.Context, wire *client.Wire, lifecycle *client.Lifecycle, code string) error {
	yellow := color.New(color.FgYellow).SprintFunc()
	scanner := bufio.NewScanner(os.Stdin)

	for scanner.Scan() {
		switch lifecycle.State() {
		case client.StateExpired:
			fmt.Println("session expired")
			return nil
		case client.StateWarning:
			fmt.Printf("%s session ends in %s\n", yellow("!"), lifecycle.Remaining().Round(time.Second))
		}

		content := strings.TrimSpace(scanner.Text())
		if content == "" {
			continue
		}

		ack, err := wire.Send(ctx, gateway.EventMessageSend, gateway.MessagePayload{
			SessionCode: code,
			Content:     content,
		})
		if err != nil {
			return fmt.Errorf("send failed: %w", err)
		}
		if !ack.Success {
			if ack.RetryAfter > 0 {
				fmt.Printf("%s rejected: %s (retry in %ds)\n", yellow("!"), ack.Error, ack.RetryAfter)
			} else {
				fmt.Printf("%s rejected: %s\n", yellow("!"), ack.Error)
			}
			continue
		}

		lifecycle.Activity()
	}
	return scanner.Err()
}

func quotaStatePath(cfg *config.Config) string {
	if cfg.Client.StatePath != "" {
		return cfg.Client.StatePath
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = "."
	}
	return filepath.Join(dir, "flipwire", "state.json")
}
