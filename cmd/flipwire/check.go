package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/flipwire/flipwire/internal/client"
	"github.com/flipwire/flipwire/internal/config"
	"github.com/flipwire/flipwire/internal/storage/redis"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check the health of a Flipwire deployment",
	Long:  `Check that the distributed store and a running gateway are reachable with the current configuration.`,
	RunE:  runCheck,
}

var checkSessionCmd = &cobra.Command{
	Use:   "session CODE",
	Short: "Check whether a session code is live",
	Example: `  flipwire check session ABC123
  flipwire -c config.yaml check session XY42ZQ`,
	Args: cobra.ExactArgs(1),
	RunE: runCheckSession,
}

func init() {
	checkCmd.AddCommand(checkSessionCmd)
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	green := color.New(color.FgGreen).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Store reachability
	store, err := redis.Open(cfg.Redis, uuid.NewString())
	if err != nil {
		fmt.Printf("%s store: %v\n", red("FAIL"), err)
		return fmt.Errorf("store check failed")
	}
	defer store.Close()

	if err := store.Ping(ctx); err != nil {
		fmt.Printf("%s store: %v\n", red("FAIL"), err)
		return fmt.Errorf("store check failed")
	}
	fmt.Printf("%s store: %s:%d reachable\n", green("OK"), cfg.Redis.Host, cfg.Redis.Port)

	// Gateway health endpoint
	healthURL := fmt.Sprintf("http://%s:%d/health", cfg.Server.BindAddress, cfg.Server.MetricsPort)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, healthURL, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Printf("%s gateway: %v\n", red("FAIL"), err)
		return fmt.Errorf("gateway check failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Printf("%s gateway: health endpoint returned %d\n", red("FAIL"), resp.StatusCode)
		return fmt.Errorf("gateway check failed")
	}
	fmt.Printf("%s gateway: %s healthy\n", green("OK"), healthURL)

	return nil
}

func runCheckSession(cmd *cobra.Command, args []string) error {
	code := args[0]

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	green := color.New(color.FgGreen).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	baseURL := fmt.Sprintf("http://%s:%d", cfg.Server.BindAddress, cfg.Server.GatewayPort)
	exists, err := client.SessionExists(ctx, baseURL, code)
	if err != nil {
		return fmt.Errorf("session probe failed: %w", err)
	}

	if exists {
		fmt.Printf("%s session %s is live\n", green("OK"), code)
	} else {
		fmt.Printf("%s session %s does not exist\n", yellow("--"), code)
	}
	return nil
}
