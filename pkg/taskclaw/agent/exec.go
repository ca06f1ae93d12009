package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// maxOutputBytes caps what is read from the agent process.
const maxOutputBytes = 1 << 20

// ExecRuntime runs an external agent command per invocation. The prompt is
// written to stdin and the reply read from stdout. The process runs in the
// user's workspace with the skill exports in its environment.
type ExecRuntime struct {
	Command      string
	Args         []string
	SystemPrompt string
	Timeout      time.Duration
}

// Name implements Runtime.
func (r *ExecRuntime) Name() string { return "exec" }

// Start implements Runtime.
func (r *ExecRuntime) Start(_ context.Context, binding Binding) (Instance, error) {
	if r.Command == "" {
		return nil, errors.New("exec runtime: no command configured")
	}
	if _, err := exec.LookPath(r.Command); err != nil {
		return nil, fmt.Errorf("exec runtime: %w", err)
	}
	if binding.WorkDir != "" {
		if err := os.MkdirAll(binding.WorkDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating workspace: %w", err)
		}
	}
	return &execInstance{runtime: r, binding: binding}, nil
}

type execInstance struct {
	runtime *ExecRuntime
	binding Binding
}

func (i *execInstance) Invoke(ctx context.Context, req Request) (*Response, error) {
	if i.runtime.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, i.runtime.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, i.runtime.Command, i.runtime.Args...)
	cmd.Dir = i.binding.WorkDir
	cmd.Env = append(os.Environ(), i.binding.Env...)
	cmd.Env = append(cmd.Env,
		"TASKCLAW_USER_ID="+i.binding.UserID,
		"TASKCLAW_SESSION_ID="+req.SessionID,
		"TASKCLAW_SKILLS="+strings.Join(i.binding.Skills, ","),
	)
	cmd.Stdin = strings.NewReader(i.prompt(req))

	var stdout, stderr limitedBuffer
	stdout.limit, stderr.limit = maxOutputBytes, 8*1024
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	if ctx.Err() != nil {
		return nil, fmt.Errorf("agent command: %w", ctx.Err())
	}
	if err != nil {
		return nil, fmt.Errorf("agent command failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	return &Response{
		Content:  strings.TrimSpace(stdout.String()),
		Duration: time.Since(start),
	}, nil
}

func (i *execInstance) Close() error { return nil }

// prompt renders the transcript fed to the command on stdin.
func (i *execInstance) prompt(req Request) string {
	var b strings.Builder
	if sp := i.runtime.SystemPrompt + skillsBlock(i.binding.Skills); sp != "" {
		b.WriteString("System: ")
		b.WriteString(strings.TrimSpace(sp))
		b.WriteString("\n\n")
	}
	for _, t := range req.History {
		fmt.Fprintf(&b, "User: %s\n", t.UserMessage)
		if t.AssistantResponse != "" {
			fmt.Fprintf(&b, "Assistant: %s\n", t.AssistantResponse)
		}
	}
	fmt.Fprintf(&b, "User: %s%s\n", req.Message, attachmentBlock(req.Attachments)+missingConfigBlock(req.MissingConfig))
	return b.String()
}

// limitedBuffer drops writes past limit while reporting them as consumed so
// the child does not block on a full pipe.
type limitedBuffer struct {
	bytes.Buffer
	limit int
}

func (w *limitedBuffer) Write(p []byte) (int, error) {
	if room := w.limit - w.Len(); room > 0 {
		if len(p) > room {
			w.Buffer.Write(p[:room])
		} else {
			w.Buffer.Write(p)
		}
	}
	return len(p), nil
}
