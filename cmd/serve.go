package cmd

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/personacord/personacord/internal/bridge"
	"github.com/personacord/personacord/internal/config"
	"github.com/personacord/personacord/internal/dispatch"
	"github.com/personacord/personacord/internal/msgcache"
	"github.com/personacord/personacord/internal/persona"
	"github.com/personacord/personacord/internal/redis"
	"github.com/personacord/personacord/internal/session"
	"github.com/personacord/personacord/internal/upstream"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the personacord bridge",
	RunE:  runServe,
}

var serveConfigPath string

func init() {
	serveCmd.Flags().StringVarP(&serveConfigPath, "config", "c", "", "Path to config.json")
	rootCmd.AddCommand(serveCmd)
}

// consolePlatform is the built-in delivery backend: it prints replies to
// stdout. Real deployments plug a platform adapter in through the event
// feed and platform.Platform instead.
type consolePlatform struct{}

func (consolePlatform) SendToChannel(_ context.Context, channelID, text string) error {
	fmt.Printf("[%s] %s\n", channelID, text)
	return nil
}

func (consolePlatform) SendAsRelay(_ context.Context, target, text string) error {
	fmt.Printf("[relay %s] %s\n", target, text)
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(serveConfigPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	fmt.Println("Starting personacord bridge...")

	if redis.Init(redis.Config{URL: cfg.Redis.URL, Password: cfg.Redis.Password, DB: cfg.Redis.DB}) {
		defer redis.Close()
	}

	store, err := session.NewStore(cfg.GetDataDir())
	if err != nil {
		return fmt.Errorf("opening session store: %w", err)
	}

	cache, err := msgcache.NewCache(cfg.GetDataDir())
	if err != nil {
		return fmt.Errorf("opening message cache: %w", err)
	}

	defs, err := persona.Load(cfg.GetPersonasPath())
	if err != nil {
		log.Printf("[Serve] Could not load persona definitions: %v", err)
	} else if len(defs) > 0 {
		persona.Apply(store, defs)
	}

	client := upstream.NewHTTPClient(
		cfg.Upstream.Token,
		cfg.Upstream.APIBase,
		time.Duration(cfg.Upstream.RequestTimeout)*time.Second,
	)

	dispatcher := dispatch.New(store, cache, client, dispatch.Options{
		Workers:       cfg.Dispatch.Workers,
		MaxConcurrent: int64(cfg.Dispatch.MaxConcurrent),
		MaxRetries:    cfg.Dispatch.MaxRetries,
		BaseDelay:     time.Duration(cfg.Dispatch.BaseRetryDelay * float64(time.Second)),
		QueueSize:     cfg.Dispatch.QueueSize,
	})

	br := bridge.New(store, cache, dispatcher, consolePlatform{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		fmt.Println("\nShutting down...")
		cancel()
	}()

	br.Start(ctx)

	if n := len(store.List()); n > 0 {
		fmt.Printf("Watching %d persona sessions\n", n)
	} else {
		fmt.Println("No persona sessions configured yet")
	}

	dispatcher.Run(ctx)

	// Drain queued durable writes so no session update is lost.
	store.Close()
	fmt.Println("Bye.")
	return nil
}
