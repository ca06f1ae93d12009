package console

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/jholhewres/taskclaw/pkg/taskclaw/channels"
)

type scriptedReader struct {
	lines []string
}

func (r *scriptedReader) Readline() (string, error) {
	if len(r.lines) == 0 {
		return "", io.EOF
	}
	line := r.lines[0]
	r.lines = r.lines[1:]
	return line, nil
}

func (r *scriptedReader) Close() error { return nil }

func TestConsole_ReadsUntilExit(t *testing.T) {
	t.Parallel()
	var out bytes.Buffer
	c := newConsole(Config{UserID: "alice"}, &scriptedReader{lines: []string{"hello", "  ", "/status", "exit", "never"}}, &out, nil)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	var got []*channels.IncomingMessage
	for len(got) < 2 {
		select {
		case m := <-c.Receive():
			got = append(got, m)
		case <-time.After(time.Second):
			t.Fatalf("got %d messages, want 2", len(got))
		}
	}
	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("exit should close Done")
	}

	if got[0].Content != "hello" || got[0].From != "alice" || got[0].DedupeKey() != "console:1" {
		t.Errorf("first = %+v", got[0])
	}
	if got[1].Content != "/status" || got[1].ID != "2" {
		t.Errorf("second = %+v", got[1])
	}

	if err := c.Send(context.Background(), "alice", &channels.OutgoingMessage{Content: "oops", IsError: true}); err != nil {
		t.Fatal(err)
	}
	if out.String() != "[error] oops\n\n" {
		t.Errorf("output = %q", out.String())
	}

	_ = c.Disconnect()
	if err := c.Send(context.Background(), "alice", &channels.OutgoingMessage{Content: "x"}); err != channels.ErrChannelDisconnected {
		t.Errorf("Send after disconnect = %v", err)
	}
}
