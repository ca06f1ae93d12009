package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jholhewres/taskclaw/pkg/taskclaw/agent"
	"github.com/jholhewres/taskclaw/pkg/taskclaw/channels"
	"github.com/jholhewres/taskclaw/pkg/taskclaw/config"
	"github.com/jholhewres/taskclaw/pkg/taskclaw/dispatcher"
	"github.com/jholhewres/taskclaw/pkg/taskclaw/scheduler"
)

type fakeChannel struct {
	name string
	in   chan *channels.IncomingMessage

	mu        sync.Mutex
	sent      []*channels.OutgoingMessage
	connected bool
	failDial  bool
}

func newFakeChannel(name string) *fakeChannel {
	return &fakeChannel{name: name, in: make(chan *channels.IncomingMessage, 8)}
}

func (c *fakeChannel) Name() string { return c.name }

func (c *fakeChannel) Connect(context.Context) error {
	if c.failDial {
		return errors.New("dial failed")
	}
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	return nil
}

func (c *fakeChannel) Disconnect() error {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	return nil
}

func (c *fakeChannel) Send(_ context.Context, _ string, m *channels.OutgoingMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return channels.ErrChannelDisconnected
	}
	c.sent = append(c.sent, m)
	return nil
}

func (c *fakeChannel) Receive() <-chan *channels.IncomingMessage { return c.in }

func (c *fakeChannel) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeChannel) Health() channels.HealthStatus {
	return channels.HealthStatus{Connected: c.IsConnected()}
}

func (c *fakeChannel) replies() []*channels.OutgoingMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*channels.OutgoingMessage(nil), c.sent...)
}

type echoRuntime struct{}

type echoInstance struct{}

func (echoRuntime) Name() string { return "echo" }

func (echoRuntime) Start(context.Context, agent.Binding) (agent.Instance, error) {
	return echoInstance{}, nil
}

func (echoInstance) Invoke(_ context.Context, req agent.Request) (*agent.Response, error) {
	return &agent.Response{Content: "echo: " + req.Message}, nil
}

func (echoInstance) Close() error { return nil }

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Database.Path = filepath.Join(dir, "taskclaw.db")
	cfg.Skills.Root = filepath.Join(dir, "skills")
	cfg.Workspace.Root = filepath.Join(dir, "workspace")
	cfg.Workspace.TempRoot = filepath.Join(dir, "temp_files")
	cfg.Memory.Dir = filepath.Join(dir, "memory")
	return cfg
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestOrchestrator_EndToEnd(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	o, err := New(ctx, testConfig(t), Options{Runtime: echoRuntime{}}, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ch := newFakeChannel("fake")
	o.AddChannel(ch)
	if err := o.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	ch.in <- &channels.IncomingMessage{ID: "1", Channel: "fake", From: "alice", ChatID: "c1", Content: "hello"}
	ch.in <- &channels.IncomingMessage{ID: "2", Channel: "fake", From: "alice", ChatID: "c1", Content: "/status"}
	waitFor(t, "two replies", func() bool { return len(ch.replies()) == 2 })

	got := ch.replies()
	if got[0].Content != "echo: hello" || got[0].IsError {
		t.Errorf("first reply = %+v", got[0])
	}
	if got[1].IsError {
		t.Errorf("status reply = %+v", got[1])
	}

	sess, err := o.Sessions.Current(ctx, "alice")
	if err != nil || sess == nil || sess.MessageCount != 1 {
		t.Errorf("session = %+v, %v", sess, err)
	}

	names := map[string]bool{}
	for _, st := range o.Housekeeper.Status() {
		names[st.Name] = true
	}
	if !names[scheduler.JobAttachmentRetention] || !names[scheduler.JobTempSweep] {
		t.Errorf("housekeeping jobs = %v", names)
	}

	closeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := o.Close(closeCtx); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	if ch.IsConnected() {
		t.Error("channel should be disconnected after Close")
	}
}

func TestOrchestrator_AttachmentsDisabled(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.Attachments.Enabled = false
	o, err := New(context.Background(), cfg, Options{Runtime: echoRuntime{}}, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer o.Close(context.Background())

	if o.Media != nil {
		t.Error("media handler should be nil")
	}
	if len(o.Housekeeper.Status()) != 0 {
		t.Error("no housekeeping expected without attachments")
	}
	if want := filepath.Join(cfg.Workspace.Root, "bob"); o.workspace("bob") != want {
		t.Errorf("workspace = %q, want %q", o.workspace("bob"), want)
	}
}

func TestOrchestrator_StartFailsWhenNoChannelConnects(t *testing.T) {
	t.Parallel()
	o, err := New(context.Background(), testConfig(t), Options{Runtime: echoRuntime{}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer o.Close(context.Background())

	ch := newFakeChannel("broken")
	ch.failDial = true
	o.AddChannel(ch)
	if err := o.Start(context.Background()); err == nil {
		t.Error("expected error when no channel connects")
	}
}

type scriptedQueue struct {
	outcome dispatcher.Outcome
	err     error
	entries []dispatcher.Entry
}

func (q *scriptedQueue) Enqueue(_ context.Context, e dispatcher.Entry) (dispatcher.Outcome, error) {
	q.entries = append(q.entries, e)
	return q.outcome, q.err
}

func TestIngress_Refusals(t *testing.T) {
	t.Parallel()
	tests := []struct {
		outcome dispatcher.Outcome
		reply   string
	}{
		{dispatcher.Accepted, ""},
		{dispatcher.Duplicate, ""},
		{dispatcher.Busy, NoticeBusy},
		{dispatcher.RateLimited, NoticeRateLimited},
	}
	for _, tt := range tests {
		t.Run(string(tt.outcome), func(t *testing.T) {
			t.Parallel()
			ch := newFakeChannel("fake")
			_ = ch.Connect(context.Background())
			router := channels.NewRouter()
			router.Register(ch)
			q := &scriptedQueue{outcome: tt.outcome}
			in := newIngress(router, q, slog.Default())

			msg := &channels.IncomingMessage{ID: "9", Channel: "fake", From: "alice", ChatID: "c1", Content: "hi"}
			got, err := in.handle(context.Background(), msg)
			if err != nil || got != tt.outcome {
				t.Fatalf("handle = %s, %v", got, err)
			}
			if e := q.entries[0]; e.UserID != "alice" || e.DedupeKey != "fake:9" || e.EnqueuedAt.IsZero() {
				t.Errorf("entry = %+v", e)
			}

			replies := ch.replies()
			if tt.reply == "" {
				if len(replies) != 0 {
					t.Errorf("unexpected replies %+v", replies)
				}
				return
			}
			if len(replies) != 1 || replies[0].Content != tt.reply || !replies[0].IsError {
				t.Errorf("replies = %+v", replies)
			}
		})
	}
}

func TestIngress_EnqueueError(t *testing.T) {
	t.Parallel()
	ch := newFakeChannel("fake")
	router := channels.NewRouter()
	router.Register(ch)
	in := newIngress(router, &scriptedQueue{err: errors.New("stopped")}, slog.Default())
	if _, err := in.handle(context.Background(), &channels.IncomingMessage{ID: "1", Channel: "fake", From: "a"}); err == nil {
		t.Error("expected enqueue error")
	}
	if len(ch.replies()) != 0 {
		t.Error("enqueue errors are not replied to")
	}
}

func TestNewRuntime(t *testing.T) {
	t.Parallel()
	tests := []struct {
		runtime string
		want    string
		wantErr bool
	}{
		{"exec", "exec", false},
		{"http", "http", false},
		{"grpc", "", true},
	}
	for _, tt := range tests {
		rt, err := NewRuntime(config.AgentConfig{Runtime: tt.runtime})
		if (err != nil) != tt.wantErr {
			t.Errorf("%s: err = %v", tt.runtime, err)
			continue
		}
		if err == nil && rt.Name() != tt.want {
			t.Errorf("%s: name = %s", tt.runtime, rt.Name())
		}
	}
}
