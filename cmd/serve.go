package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/crystaldolphin/replyflow/internal/dependency"
)

var serveListen string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the reply pipeline with the websocket server",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVarP(&serveListen, "listen", "l", "", "Override server.listen")
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serveListen != "" {
		cfg.Server.Listen = serveListen
		cfg.Server.Enabled = true
	}

	// Graceful shutdown context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	container, err := dependency.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer container.Close()

	channelMgr := container.Channels()
	if enabled := channelMgr.EnabledChannels(); len(enabled) > 0 {
		fmt.Printf("✓ Channels enabled: %s\n", strings.Join(enabled, ", "))
	} else {
		fmt.Println("Warning: no channels enabled")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return container.Pipeline().Run(gctx) })
	g.Go(func() error { return container.SendQueue().Run(gctx) })
	g.Go(func() error { return container.Scheduler().Start(gctx) })
	g.Go(func() error { return channelMgr.StartAll(gctx) })

	fmt.Printf("%s replyflow running (model %s). Press Ctrl+C to stop.\n", logo, cfg.LLM.Model)

	err = g.Wait()
	container.Pipeline().Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "serve error: %v\n", err)
		return err
	}
	fmt.Println("\nShutdown complete.")
	return nil
}
