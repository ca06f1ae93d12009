// Package pipeline processes one queued message for one user: resolve the
// session, materialize skill templates, obtain the agent handle, stage
// attachments, invoke the agent, persist the turn and reply. Every entry
// produces exactly one reply, success or failure.
//
// The pipeline holds no per-user locks; the dispatcher serializes each
// user's entries.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/jholhewres/taskclaw/pkg/taskclaw/agent"
	"github.com/jholhewres/taskclaw/pkg/taskclaw/apperr"
	"github.com/jholhewres/taskclaw/pkg/taskclaw/channels"
	"github.com/jholhewres/taskclaw/pkg/taskclaw/dispatcher"
	"github.com/jholhewres/taskclaw/pkg/taskclaw/media"
	"github.com/jholhewres/taskclaw/pkg/taskclaw/session"
	"github.com/jholhewres/taskclaw/pkg/taskclaw/skills"
)

// Reply texts.
const (
	NoticeNewSessionExtracted = "Conversation analyzed and important information saved. New session started!"
	NoticeNewSession          = "New session started!"
	NoticeCeilingReached      = "Your conversation has been summarized and important information saved. Starting fresh!"
	emptyAgentResponse        = "The assistant returned an empty response."
)

// ErrReplyFailed marks a failure to deliver the reply itself.
var ErrReplyFailed = errors.New("reply delivery failed")

// Sessions is the session lifecycle. Implemented by session.Manager.
type Sessions interface {
	Current(ctx context.Context, userID string) (*session.Session, error)
	Resolve(ctx context.Context, userID string) (*session.Session, error)
	History(ctx context.Context, sess *session.Session) ([]session.Turn, error)
	RecordTurn(ctx context.Context, sess *session.Session, t session.Turn) (*session.RecordResult, error)
	NewSession(ctx context.Context, userID string) (*session.NewResult, error)
	ForceReset(ctx context.Context, userID string) error
}

// Renderer materializes a user's skill templates. Implemented by
// skills.Materializer.
type Renderer interface {
	RenderAll(ctx context.Context, userID string) (*skills.Snapshot, error)
}

// Agents hands out per-user agent handles. Implemented by agent.Cache.
type Agents interface {
	GetOrCreate(ctx context.Context, userID string, snap *skills.Snapshot) (*agent.Handle, error)
	Invalidate(userID string, reason string)
}

// Stager stages attachments into the user workspace. Implemented by
// media.Handler.
type Stager interface {
	Stage(ctx context.Context, userID string, file media.IncomingFile) (*media.Attachment, error)
	ClearWorkspace(ctx context.Context, userID string) error
}

// QueueDepth reports a user's queue depth. Implemented by dispatcher.Dispatcher.
type QueueDepth interface {
	Depth(userID string) int
}

// Config tunes the processor.
type Config struct {
	// MaxMessages is shown by /status.
	MaxMessages int

	// ClearWorkspaceOnNew clears the user's workspace on "new".
	ClearWorkspaceOnNew bool
}

// Processor implements dispatcher.Handler.
type Processor struct {
	sessions Sessions
	renderer Renderer
	agents   Agents
	stager   Stager
	replier  channels.Replier
	queue    QueueDepth
	cfg      Config
	logger   *slog.Logger
}

// New creates a processor. stager may be nil when attachments are disabled.
func New(sessions Sessions, renderer Renderer, agents Agents, stager Stager, replier channels.Replier, cfg Config, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		sessions: sessions,
		renderer: renderer,
		agents:   agents,
		stager:   stager,
		replier:  replier,
		cfg:      cfg,
		logger:   logger.With("component", "pipeline"),
	}
}

// SetQueue attaches the dispatcher for /status reporting.
func (p *Processor) SetQueue(q QueueDepth) { p.queue = q }

// Handle implements dispatcher.Handler. The entry always gets one reply; an
// error is returned only when that reply could not be delivered.
func (p *Processor) Handle(ctx context.Context, entry dispatcher.Entry) error {
	msg := entry.Message
	if msg == nil {
		return apperr.NewInvariant("entry without message")
	}
	start := time.Now()

	var (
		text string
		err  error
	)
	cmd := Command{}
	if msg.Media == nil {
		cmd = ParseCommand(msg.Content)
	}
	switch cmd.Kind {
	case CommandNew:
		text, err = p.newSession(ctx, entry.UserID)
	case CommandStatus:
		text, err = p.status(ctx, entry.UserID)
	case CommandSkills:
		text, err = p.skillStatus(ctx, entry.UserID)
	default:
		text, err = p.process(ctx, entry.UserID, msg)
	}

	out := &channels.OutgoingMessage{Content: text}
	if err != nil {
		out = &channels.OutgoingMessage{Content: p.failureReply(ctx, entry, err), IsError: true}
	}

	if sendErr := p.replier.Reply(ctx, msg, out); sendErr != nil {
		return fmt.Errorf("%w: %w", ErrReplyFailed, sendErr)
	}
	p.logger.Debug("entry processed",
		"user_id", entry.UserID, "is_error", out.IsError, "duration", time.Since(start))
	return nil
}

// ReportFailure is the dispatcher failure hook. It replies once for
// failures that escaped Handle (panics); delivery failures are only logged.
func (p *Processor) ReportFailure(ctx context.Context, entry dispatcher.Entry, err error) {
	if errors.Is(err, ErrReplyFailed) || entry.Message == nil {
		return
	}
	out := &channels.OutgoingMessage{Content: apperr.UserMessage(err), IsError: true}
	if sendErr := p.replier.Reply(ctx, entry.Message, out); sendErr != nil {
		p.logger.Warn("failure reply not delivered", "user_id", entry.UserID, "error", sendErr)
	}
}

// process runs the full message flow and returns the reply text.
func (p *Processor) process(ctx context.Context, userID string, msg *channels.IncomingMessage) (string, error) {
	text := strings.TrimSpace(msg.Content)
	if text == "" && msg.Media != nil {
		text = strings.TrimSpace(msg.Media.Caption)
	}
	if text == "" && msg.Media == nil {
		return "", apperr.NewValidation(apperr.CodeEmptyMessage, "empty message")
	}

	sess, err := p.sessions.Resolve(ctx, userID)
	if err != nil {
		return "", err
	}

	snap, err := p.renderer.RenderAll(ctx, userID)
	if err != nil {
		return "", classify("render skills", err)
	}
	// Only a message naming an unconfigured skill is refused; other turns
	// reach the agent with the gaps listed.
	if err := snap.ErrFor(text); err != nil {
		return "", err
	}

	handle, err := p.agents.GetOrCreate(ctx, userID, snap)
	if err != nil {
		return "", classify("start agent", err)
	}

	var files []agent.FileRef
	if msg.Media != nil {
		ref, err := p.stage(ctx, userID, sess.ID, msg)
		if err != nil {
			return "", err
		}
		files = append(files, ref)
		if text == "" {
			text = "I sent you a file: " + ref.Name
		}
	}

	history, err := p.sessions.History(ctx, sess)
	if err != nil {
		return "", err
	}

	resp, invokeErr := handle.Invoke(ctx, agent.Request{
		SessionID:     sess.ID,
		Message:       text,
		History:       history,
		Attachments:   files,
		MissingConfig: snap.Missing,
	})

	turn := session.Turn{UserMessage: text}
	if invokeErr != nil {
		turn.IsError = true
		turn.AssistantResponse = invokeErr.Error()
	} else {
		turn.AssistantResponse = resp.Content
	}

	rec, err := p.sessions.RecordTurn(ctx, sess, turn)
	if err != nil {
		return "", err
	}
	if rec.Retired != nil {
		p.agents.Invalidate(userID, "session retired")
	}
	if invokeErr != nil {
		return "", apperr.NewTransient("invoke agent", invokeErr)
	}

	reply := resp.Content
	if strings.TrimSpace(reply) == "" {
		reply = emptyAgentResponse
	}
	if rec.Retired != nil {
		reply += "\n\n" + NoticeCeilingReached
	}
	p.logger.Info("message processed",
		"user_id", userID, "session_id", sess.ID,
		"count", rec.Session.MessageCount, "agent_duration", resp.Duration)
	return reply, nil
}

func (p *Processor) stage(ctx context.Context, userID, sessionID string, msg *channels.IncomingMessage) (agent.FileRef, error) {
	if p.stager == nil {
		return agent.FileRef{}, apperr.NewValidation(apperr.CodeAttachmentsDisabled, "attachments disabled")
	}
	att, err := p.stager.Stage(ctx, userID, media.IncomingFile{
		Channel:   msg.Channel,
		SessionID: sessionID,
		Media:     msg.Media,
	})
	if err != nil {
		return agent.FileRef{}, classify("stage attachment", err)
	}
	return agent.FileRef{Name: att.Name, Path: att.Path, MimeType: att.MimeType, Size: att.Size}, nil
}

// newSession handles "new". It waits behind in-flight work by virtue of
// running on the user's queue.
func (p *Processor) newSession(ctx context.Context, userID string) (string, error) {
	res, err := p.sessions.NewSession(ctx, userID)
	if err != nil {
		return "", err
	}
	if res.Previous != nil {
		p.agents.Invalidate(userID, "new session")
	}

	if p.cfg.ClearWorkspaceOnNew && p.stager != nil {
		if err := p.stager.ClearWorkspace(ctx, userID); err != nil {
			p.logger.Warn("clearing workspace failed", "user_id", userID, "error", err)
		}
	}

	prev := res.Previous
	if prev != nil && prev.Extracted && prev.MessageCount > 0 {
		return NoticeNewSessionExtracted, nil
	}
	return NoticeNewSession, nil
}

func (p *Processor) status(ctx context.Context, userID string) (string, error) {
	sess, err := p.sessions.Current(ctx, userID)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	if sess == nil {
		b.WriteString("No active session.")
	} else {
		fmt.Fprintf(&b, "Session: %s\nState: %s\nMessages: %d", sess.ID, sess.State, sess.MessageCount)
		if p.cfg.MaxMessages > 0 {
			fmt.Fprintf(&b, "/%d", p.cfg.MaxMessages)
		}
		fmt.Fprintf(&b, "\nLast activity: %s", sess.LastActivityAt.UTC().Format(time.RFC3339))
	}
	if p.queue != nil {
		// The status command itself is in flight.
		fmt.Fprintf(&b, "\nQueued: %d", max(p.queue.Depth(userID)-1, 0))
	}
	return b.String(), nil
}

func (p *Processor) skillStatus(ctx context.Context, userID string) (string, error) {
	snap, err := p.renderer.RenderAll(ctx, userID)
	if err != nil {
		return "", classify("render skills", err)
	}
	if len(snap.Skills) == 0 {
		return "No skills installed.", nil
	}

	names := append([]string(nil), snap.Skills...)
	sort.Strings(names)
	var b strings.Builder
	b.WriteString("Skills:")
	for _, name := range names {
		if keys := snap.Missing[name]; len(keys) > 0 {
			fmt.Fprintf(&b, "\n- %s: missing %s", name, strings.Join(keys, ", "))
		} else {
			fmt.Fprintf(&b, "\n- %s: ready", name)
		}
	}
	return b.String(), nil
}

// failureReply maps a failure to its reply text and applies the kind's side
// effects.
func (p *Processor) failureReply(ctx context.Context, entry dispatcher.Entry, err error) string {
	kind := apperr.KindOf(err)
	switch kind {
	case apperr.KindValidation, apperr.KindConfigMissing:
		p.logger.Info("message rejected", "user_id", entry.UserID, "kind", kind, "error", err)
	case apperr.KindInvariant:
		p.logger.Error("invariant violation, resetting session", "user_id", entry.UserID, "error", err)
		if resetErr := p.sessions.ForceReset(ctx, entry.UserID); resetErr != nil {
			p.logger.Error("force reset failed", "user_id", entry.UserID, "error", resetErr)
		}
		p.agents.Invalidate(entry.UserID, "invariant violation")
	default:
		p.logger.Warn("message failed", "user_id", entry.UserID, "kind", kind, "error", err)
	}
	return apperr.UserMessage(err)
}

// classify wraps unclassified errors as transient.
func classify(op string, err error) error {
	if _, ok := apperr.As(err); ok {
		return err
	}
	return apperr.NewTransient(op, err)
}
