package channels

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/crystaldolphin/replyflow/internal/bus"
	"github.com/crystaldolphin/replyflow/internal/schema"
	"github.com/crystaldolphin/replyflow/internal/shared/cmdutils"
)

var cliExitCommands = map[string]bool{
	"exit":  true,
	"quit":  true,
	"/exit": true,
	"/quit": true,
	":q":    true,
}

// ConsoleOptions sets who the console user speaks as. An empty GroupID
// makes the conversation private.
type ConsoleOptions struct {
	GroupID    string
	SenderID   string
	SenderName string
	BotName    string
}

// CLIChannel wires a terminal into the pipeline. Each line becomes an
// inbound message; "/as <sender>" switches speaker and "/group <id>"
// switches conversation ("/group" alone goes private). Replies are printed
// as they arrive since many messages are never answered.
type CLIChannel struct {
	Base
	in  io.Reader
	out io.Writer

	mu   sync.Mutex
	opts ConsoleOptions
}

// NewCLIChannel creates a CLIChannel reading in and writing out.
func NewCLIChannel(inbound *bus.AgentBus, opts ConsoleOptions, in io.Reader, out io.Writer) *CLIChannel {
	if opts.SenderID == "" {
		opts.SenderID = "user"
	}
	return &CLIChannel{
		Base: NewBase(bus.SourceConsole, inbound, opts.BotName, nil),
		in:   in,
		out:  out,
		opts: opts,
	}
}

func (c *CLIChannel) Name() string { return string(bus.SourceConsole) }

// Start runs the REPL until ctx is cancelled or input ends.
func (c *CLIChannel) Start(ctx context.Context) error {
	fmt.Fprintf(c.out, "Console ready as %s in %s. Type 'exit' to quit.\n\n", c.speaker(), c.where())

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case line, ok := <-lines:
			if !ok {
				fmt.Fprintln(c.out, "\nGoodbye!")
				return nil
			}
			done, err := c.handleLine(ctx, strings.TrimSpace(line))
			if err != nil {
				return err
			}
			if done {
				fmt.Fprintln(c.out, "Goodbye!")
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *CLIChannel) handleLine(ctx context.Context, line string) (bool, error) {
	if line == "" {
		return false, nil
	}
	if cliExitCommands[strings.ToLower(line)] {
		return true, nil
	}

	if cmd, arg, _ := strings.Cut(line, " "); strings.HasPrefix(cmd, "/") {
		arg = strings.TrimSpace(arg)
		c.mu.Lock()
		switch cmd {
		case "/as":
			if arg != "" {
				c.opts.SenderID, c.opts.SenderName = arg, arg
			}
		case "/group":
			c.opts.GroupID = arg
		default:
			c.mu.Unlock()
			fmt.Fprintf(c.out, "unknown command %s\n", cmd)
			return false, nil
		}
		c.mu.Unlock()
		fmt.Fprintf(c.out, "now %s in %s\n", c.speaker(), c.where())
		return false, nil
	}

	c.mu.Lock()
	msg := schema.Message{
		GroupID:    c.opts.GroupID,
		SenderID:   c.opts.SenderID,
		SenderName: c.opts.SenderName,
		Text:       line,
		Private:    c.opts.GroupID == "",
	}
	c.mu.Unlock()
	return false, c.HandleMessage(ctx, msg)
}

// Send prints a reply.
func (c *CLIChannel) Send(_ context.Context, msg bus.Outbound) error {
	cmdutils.PrintResponse(c.out, msg.ConversationKey, msg.Text)
	return nil
}

func (c *CLIChannel) speaker() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opts.SenderID
}

func (c *CLIChannel) where() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.opts.GroupID == "" {
		return "a private chat"
	}
	return "group " + c.opts.GroupID
}
