package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jholhewres/taskclaw/pkg/taskclaw/channels"
	"github.com/jholhewres/taskclaw/pkg/taskclaw/dispatcher"
)

// Replies for entries the dispatcher refused. Duplicates get none.
const (
	NoticeBusy        = "You already have several messages waiting. Please wait for them to finish before sending more."
	NoticeRateLimited = "You are sending messages too quickly. Please slow down and try again."
)

type enqueuer interface {
	Enqueue(ctx context.Context, e dispatcher.Entry) (dispatcher.Outcome, error)
}

// ingress connects channels and feeds their messages to the dispatcher.
type ingress struct {
	router *channels.Router
	queue  enqueuer
	logger *slog.Logger

	mu        sync.Mutex
	cancel    context.CancelFunc
	connected []channels.Channel
	wg        sync.WaitGroup
}

func newIngress(router *channels.Router, queue enqueuer, logger *slog.Logger) *ingress {
	return &ingress{
		router: router,
		queue:  queue,
		logger: logger.With("component", "ingress"),
	}
}

// start connects every registered channel. Channels that fail to connect
// are logged and skipped; it is an error only if none connects.
func (in *ingress) start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	in.mu.Lock()
	in.cancel = cancel
	in.mu.Unlock()

	all := in.router.All()
	if len(all) == 0 {
		in.logger.Warn("no channels registered")
		return nil
	}

	for _, ch := range all {
		if err := ch.Connect(ctx); err != nil {
			in.logger.Error("failed to connect channel", "channel", ch.Name(), "error", err)
			continue
		}
		in.mu.Lock()
		in.connected = append(in.connected, ch)
		in.mu.Unlock()
		in.logger.Info("channel connected", "channel", ch.Name())

		in.wg.Add(1)
		go func(c channels.Channel) {
			defer in.wg.Done()
			in.listen(ctx, c)
		}(ch)
	}

	in.mu.Lock()
	n := len(in.connected)
	in.mu.Unlock()
	if n == 0 {
		return errors.New("no channel connected")
	}
	return nil
}

func (in *ingress) listen(ctx context.Context, ch channels.Channel) {
	incoming := ch.Receive()
	for {
		select {
		case msg, ok := <-incoming:
			if !ok {
				return
			}
			if _, err := in.handle(ctx, msg); err != nil {
				in.logger.Warn("message dropped", "channel", ch.Name(), "msg_id", msg.ID, "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// handle enqueues msg and answers refusals the user should know about.
func (in *ingress) handle(ctx context.Context, msg *channels.IncomingMessage) (dispatcher.Outcome, error) {
	entry := dispatcher.Entry{
		UserID:     msg.From,
		DedupeKey:  msg.DedupeKey(),
		Message:    msg,
		EnqueuedAt: time.Now(),
	}
	outcome, err := in.queue.Enqueue(ctx, entry)
	if err != nil {
		return outcome, err
	}

	var notice string
	switch outcome {
	case dispatcher.Busy:
		notice = NoticeBusy
	case dispatcher.RateLimited:
		notice = NoticeRateLimited
	case dispatcher.Duplicate:
		in.logger.Debug("duplicate message ignored", "user_id", entry.UserID, "dedupe_key", entry.DedupeKey)
	}
	if notice != "" {
		in.logger.Info("message refused", "user_id", entry.UserID, "outcome", outcome)
		if err := in.router.Reply(ctx, msg, &channels.OutgoingMessage{Content: notice, IsError: true}); err != nil {
			in.logger.Warn("refusal reply not delivered", "user_id", entry.UserID, "error", err)
		}
	}
	return outcome, nil
}

// stop ends the listen loops. Channels stay connected so queued work can
// still reply.
func (in *ingress) stop() {
	in.mu.Lock()
	cancel := in.cancel
	in.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	in.wg.Wait()
}

func (in *ingress) disconnect() {
	in.mu.Lock()
	connected := in.connected
	in.connected = nil
	in.mu.Unlock()
	for _, ch := range connected {
		if err := ch.Disconnect(); err != nil {
			in.logger.Error("failed to disconnect channel", "channel", ch.Name(), "error", err)
		}
	}
}
