package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/personacord/personacord/internal/config"
	"github.com/personacord/personacord/internal/redis"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show personacord status",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	configPath := config.GetConfigPath()
	cfg, err := config.Load("")
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	fmt.Println("🤖 personacord Status")
	fmt.Println()
	fmt.Printf("Config: %s\n", configPath)
	fmt.Printf("Data dir: %s\n", cfg.GetDataDir())
	fmt.Printf("Personas file: %s\n", cfg.GetPersonasPath())

	fmt.Println("\nUpstream:")
	if cfg.Upstream.Token != "" {
		fmt.Println("  Token: ✓")
	} else {
		fmt.Println("  Token: not set")
	}
	if cfg.Upstream.APIBase != "" {
		fmt.Printf("  API base: %s\n", cfg.Upstream.APIBase)
	}

	fmt.Println("\nDispatch:")
	fmt.Printf("  Workers: %d\n", cfg.Dispatch.Workers)
	fmt.Printf("  Max concurrent calls: %d\n", cfg.Dispatch.MaxConcurrent)
	fmt.Printf("  Max retries: %d\n", cfg.Dispatch.MaxRetries)

	fmt.Println("\nRedis:")
	if cfg.Redis.URL == "" {
		fmt.Println("  Not configured (disk store only)")
	} else if redis.Init(redis.Config{URL: cfg.Redis.URL, Password: cfg.Redis.Password, DB: cfg.Redis.DB}) {
		fmt.Println("  Connected: ✓")
		redis.Close()
	} else {
		fmt.Println("  Configured but unreachable")
	}

	return nil
}
