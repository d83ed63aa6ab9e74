package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/personacord/personacord/internal/config"
	"github.com/personacord/personacord/internal/session"
	"github.com/personacord/personacord/internal/upstream"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List configured persona sessions",
	RunE:  runSessions,
}

var sessionsResolve bool

func init() {
	sessionsCmd.Flags().BoolVar(&sessionsResolve, "resolve", false, "Resolve persona display names from the upstream")
	rootCmd.AddCommand(sessionsCmd)
}

func runSessions(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load("")
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	store, err := session.NewStore(cfg.GetDataDir())
	if err != nil {
		return fmt.Errorf("opening session store: %w", err)
	}
	defer store.Close()

	var client *upstream.HTTPClient
	if sessionsResolve && cfg.Upstream.Token != "" {
		client = upstream.NewHTTPClient(cfg.Upstream.Token, cfg.Upstream.APIBase, 10*time.Second)
	}

	infos := store.List()
	if len(infos) == 0 {
		fmt.Println("No persona sessions configured.")
		return nil
	}

	fmt.Printf("%d persona session(s):\n\n", len(infos))
	for _, info := range infos {
		fmt.Printf("%s / %s / %s\n", info.ServerID, info.ChannelID, info.Persona)
		fmt.Printf("  Persona ID: %s\n", info.PersonaID)
		if client != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if pi, err := client.FetchPersonaInfo(ctx, info.PersonaID); err == nil {
				fmt.Printf("  Upstream name: %s\n", pi.Name)
			}
			cancel()
		}
		if info.ConversationID != "" {
			fmt.Printf("  Conversation: %s\n", info.ConversationID)
		} else {
			fmt.Println("  Conversation: not started")
		}
		fmt.Printf("  Delivery: %s\n", info.DeliveryMode)
		fmt.Printf("  Last activity: %s\n", info.LastActivity.Format("2006-01-02 15:04:05"))
		fmt.Println()
	}
	return nil
}
