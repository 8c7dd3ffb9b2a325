package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/crystaldolphin/replyflow/internal/channels"
	"github.com/crystaldolphin/replyflow/internal/dependency"
)

var (
	consoleGroup  string
	consoleSender string
	consoleServer bool
)

var consoleCmd = &cobra.Command{
	Use:   "console",
	Short: "Chat with the pipeline from the terminal",
	Long: `Chat with the pipeline from the terminal.

Each line is an inbound message. Use "/as <sender>" to speak as someone else
and "/group <id>" to move into a group conversation ("/group" alone returns
to a private chat). Not every message is answered: admission, bundling and
send pacing apply as they would in serve.`,
	RunE: runConsole,
}

func init() {
	consoleCmd.Flags().StringVarP(&consoleGroup, "group", "g", "", "Start in this group (default: private chat)")
	consoleCmd.Flags().StringVar(&consoleSender, "as", "", "Sender id to speak as")
	consoleCmd.Flags().BoolVar(&consoleServer, "with-server", false, "Also run the websocket server")
}

// stopOnExit cancels the console session when the wrapped channel returns.
type stopOnExit struct {
	channels.Channel
	cancel context.CancelFunc
}

func (s stopOnExit) Start(ctx context.Context) error {
	defer s.cancel()
	return s.Channel.Start(ctx)
}

func runConsole(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cfg.Server.Enabled = consoleServer

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	container, err := dependency.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer container.Close()

	opts := channels.ConsoleOptions{
		GroupID:    cfg.Console.GroupID,
		SenderID:   cfg.Console.SenderID,
		SenderName: cfg.Console.SenderName,
		BotName:    cfg.Judge.BotName,
	}
	if consoleGroup != "" {
		opts.GroupID = consoleGroup
	}
	if consoleSender != "" {
		opts.SenderID, opts.SenderName = consoleSender, consoleSender
	}
	cli := channels.NewCLIChannel(container.AgentBus(), opts, os.Stdin, os.Stdout)
	container.Channels().Register(stopOnExit{Channel: cli, cancel: cancel})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return container.Pipeline().Run(gctx) })
	g.Go(func() error { return container.SendQueue().Run(gctx) })
	g.Go(func() error { return container.Channels().StartAll(gctx) })

	err = g.Wait()
	container.Pipeline().Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
