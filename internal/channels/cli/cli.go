// Package cli implements the simplest real Channel: a stdin/stdout
// adapter for local interactive use and scripting, reading one line at a
// time and printing replies as they arrive on the bus.
//
// Grounded on the Channel shape in internal/channels/channel.go; there is
// no teacher equivalent (the teacher has no bare-terminal channel), so
// this is authored directly against the Channel interface, matching the
// read-a-line/print-a-reply pattern common to CLI tools across the
// example pack.
package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/nibot/nibot/internal/bus"
	"github.com/nibot/nibot/internal/channels"
	"github.com/nibot/nibot/internal/types"
)

// ChatID is the fixed chat identifier used for every line read from
// stdin; a terminal session has no concept of multiple concurrent chats.
const ChatID = "local"

// Channel is a local terminal adapter: one goroutine reads stdin lines
// and publishes them as inbound envelopes; Send prints outbound
// envelopes to stdout.
type Channel struct {
	*channels.BaseChannel

	in       io.Reader
	out      io.Writer
	senderID string
	log      *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
}

// New constructs a CLI channel bound to b, reading from in and writing
// replies to out. senderID identifies the local operator for allowlist
// and session-history purposes.
func New(b *bus.MessageBus, in io.Reader, out io.Writer, senderID string, log *slog.Logger) *Channel {
	if log == nil {
		log = slog.Default()
	}
	return &Channel{
		BaseChannel: channels.NewBaseChannel("cli", b, nil),
		in:          in,
		out:         out,
		senderID:    senderID,
		log:         log,
	}
}

// Start spawns a goroutine that reads stdin line by line and publishes
// each non-empty line as an inbound envelope.
func (c *Channel) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()
	c.SetRunning(true)

	go c.readLoop(runCtx)
	return nil
}

func (c *Channel) readLoop(ctx context.Context) {
	scanner := bufio.NewScanner(c.in)
	fmt.Fprint(c.out, "> ")
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}
		line := scanner.Text()
		if line == "" {
			fmt.Fprint(c.out, "> ")
			continue
		}
		c.HandleMessage(c.senderID, ChatID, line, nil, nil)
	}
	if err := scanner.Err(); err != nil {
		c.log.Error("cli channel read error", "error", err)
	}
}

// Stop cancels the read loop.
func (c *Channel) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Unlock()
	c.SetRunning(false)
	return nil
}

// Send prints an outbound envelope to stdout. Interim streaming chunks
// overwrite the current line in place; a terminal chunk (non-streaming,
// or stream_done) ends with a newline and a fresh prompt. Progress
// envelopes print a bracketed status line.
func (c *Channel) Send(ctx context.Context, e types.Envelope) error {
	progress := e.Metadata[types.MetaProgress]
	if progress != "" {
		fmt.Fprintf(c.out, "[%s]\n", progress)
		return nil
	}
	if e.Content == "" {
		return nil
	}

	streaming := e.Metadata[types.MetaStreaming] == "true"
	done := e.Metadata[types.MetaStreamDone] == "true"
	if streaming && !done {
		fmt.Fprint(c.out, "\r"+e.Content)
		return nil
	}
	fmt.Fprintln(c.out, "\r"+e.Content)
	fmt.Fprint(c.out, "> ")
	return nil
}
