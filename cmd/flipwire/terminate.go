package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/flipwire/flipwire/internal/client"
	"github.com/flipwire/flipwire/internal/config"
	"github.com/flipwire/flipwire/internal/gateway"
)

var terminateURL string

var terminateCmd = &cobra.Command{
	Use:   "terminate CODE",
	Short: "Terminate a live session for all of its members",
	Long: `Terminate ends the session with the given code on every gateway
process. All connected members receive a terminated notice and are
disconnected; the session record is removed from the store.`,
	Example: `  flipwire terminate XY42ZQ
  flipwire terminate --url http://gateway.internal:8080 XY42ZQ`,
	Args: cobra.ExactArgs(1),
	RunE: runTerminate,
}

func init() {
	terminateCmd.Flags().StringVar(&terminateURL, "url", "", "Gateway base URL (defaults to the configured gateway address)")
	rootCmd.AddCommand(terminateCmd)
}

func runTerminate(cmd *cobra.Command, args []string) error {
	code := strings.ToUpper(args[0])
	if !gateway.ValidCode(code) {
		return fmt.Errorf("session code must be 6 uppercase alphanumeric characters, got %q", args[0])
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	baseURL := terminateURL
	if baseURL == "" {
		baseURL = fmt.Sprintf("http://%s:%d", cfg.Server.BindAddress, cfg.Server.GatewayPort)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	green := color.New(color.FgGreen).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()

	terminated, err := client.TerminateSession(ctx, baseURL, code)
	if err != nil {
		return fmt.Errorf("terminate failed: %w", err)
	}
	if !terminated {
		fmt.Printf("%s session %s does not exist\n", yellow("--"), code)
		return nil
	}

	fmt.Printf("%s session %s terminated\n", green("OK"), code)
	return nil
}
