// Package console implements a local REPL channel. Each line typed is a
// message from a single configured user; replies are printed back.
package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chzyer/readline"

	"github.com/jholhewres/taskclaw/pkg/taskclaw/channels"
)

// Config configures the console channel.
type Config struct {
	// UserID is the user every line is attributed to.
	UserID string

	Prompt      string
	HistoryFile string
}

// lineReader is the subset of *readline.Instance the console uses.
type lineReader interface {
	Readline() (string, error)
	Close() error
}

// Console implements channels.Channel over a terminal.
type Console struct {
	cfg    Config
	logger *slog.Logger

	reader lineReader
	out    io.Writer
	outMu  sync.Mutex

	messages  chan *channels.IncomingMessage
	done      chan struct{}
	closeOnce sync.Once
	seq       atomic.Int64
	connected atomic.Bool
	lastMsg   atomic.Value // time.Time
}

// New creates a console channel backed by readline on the process terminal.
func New(cfg Config, logger *slog.Logger) (*Console, error) {
	if cfg.Prompt == "" {
		cfg.Prompt = "> "
	}
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          cfg.Prompt,
		HistoryFile:     cfg.HistoryFile,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return nil, fmt.Errorf("console: init readline: %w", err)
	}
	return newConsole(cfg, rl, rl.Stdout(), logger), nil
}

func newConsole(cfg Config, reader lineReader, out io.Writer, logger *slog.Logger) *Console {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.UserID == "" {
		cfg.UserID = "local"
	}
	return &Console{
		cfg:      cfg,
		logger:   logger.With("component", "console"),
		reader:   reader,
		out:      out,
		messages: make(chan *channels.IncomingMessage, 16),
		done:     make(chan struct{}),
	}
}

// Name returns "console".
func (c *Console) Name() string { return "console" }

// Connect starts reading lines.
func (c *Console) Connect(ctx context.Context) error {
	if c.connected.Swap(true) {
		return nil
	}
	go c.readLoop(ctx)
	return nil
}

// Disconnect stops reading.
func (c *Console) Disconnect() error {
	c.connected.Store(false)
	c.finish()
	return c.reader.Close()
}

// Done is closed when the user exits the REPL.
func (c *Console) Done() <-chan struct{} { return c.done }

// Send prints a reply.
func (c *Console) Send(_ context.Context, _ string, message *channels.OutgoingMessage) error {
	if !c.connected.Load() {
		return channels.ErrChannelDisconnected
	}
	prefix := ""
	if message.IsError {
		prefix = "[error] "
	}
	c.outMu.Lock()
	defer c.outMu.Unlock()
	_, err := fmt.Fprintf(c.out, "%s%s\n\n", prefix, message.Content)
	return err
}

// Receive returns the incoming message stream.
func (c *Console) Receive() <-chan *channels.IncomingMessage { return c.messages }

// IsConnected reports whether the REPL is running.
func (c *Console) IsConnected() bool { return c.connected.Load() }

// Health returns the channel health status.
func (c *Console) Health() channels.HealthStatus {
	var lastAt time.Time
	if v := c.lastMsg.Load(); v != nil {
		lastAt = v.(time.Time)
	}
	return channels.HealthStatus{
		Connected:     c.connected.Load(),
		LastMessageAt: lastAt,
		Details:       map[string]any{"user_id": c.cfg.UserID},
	}
}

func (c *Console) readLoop(ctx context.Context) {
	defer c.finish()
	for {
		line, err := c.reader.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if line == "" {
				return
			}
			continue
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				c.logger.Warn("console: read failed", "error", err)
			}
			return
		}

		line = strings.TrimSpace(line)
		switch line {
		case "":
			continue
		case "exit", "quit", "/exit", "/quit":
			return
		}

		msg := &channels.IncomingMessage{
			ID:        strconv.FormatInt(c.seq.Add(1), 10),
			Channel:   "console",
			From:      c.cfg.UserID,
			FromName:  c.cfg.UserID,
			ChatID:    c.cfg.UserID,
			Type:      channels.MessageText,
			Content:   line,
			Timestamp: time.Now(),
		}
		c.lastMsg.Store(msg.Timestamp)
		select {
		case c.messages <- msg:
		case <-ctx.Done():
			return
		}
	}
}

func (c *Console) finish() {
	c.closeOnce.Do(func() { close(c.done) })
}
