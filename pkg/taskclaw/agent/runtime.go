// Package agent invokes the language-model capability on behalf of a user.
// A Runtime starts per-user Instances bound to that user's workspace and
// rendered skill environment; the Cache keeps exactly one live Handle per
// user and rebuilds it when the skill snapshot changes.
package agent

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jholhewres/taskclaw/pkg/taskclaw/session"
)

// Binding is the per-user configuration an Instance is started with.
type Binding struct {
	UserID string

	// WorkDir is the user's workspace directory.
	WorkDir string

	// Env holds KEY=value pairs exported for skills, e.g. HIMALAYA_CONFIG.
	Env []string

	// Skills lists the skills available to the agent.
	Skills []string
}

// FileRef describes a staged attachment passed to the agent.
type FileRef struct {
	Name     string
	Path     string
	MimeType string
	Size     int64
}

// Request is one invocation.
type Request struct {
	SessionID   string
	Message     string
	History     []session.Turn
	Attachments []FileRef

	// MissingConfig lists skills that are not usable yet, with the keys the
	// user still has to provide.
	MissingConfig map[string][]string
}

// Response is the agent's reply.
type Response struct {
	Content  string
	Duration time.Duration
}

// Instance is a started agent bound to one user.
type Instance interface {
	Invoke(ctx context.Context, req Request) (*Response, error)
	Close() error
}

// Runtime starts instances.
type Runtime interface {
	Name() string
	Start(ctx context.Context, binding Binding) (Instance, error)
}

// APIError is a non-2xx response from an HTTP runtime.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	body := e.Body
	if len(body) > 300 {
		body = body[:300] + "..."
	}
	return fmt.Sprintf("agent API error %d: %s", e.StatusCode, body)
}

// attachmentBlock renders attachment metadata appended to the user message.
func attachmentBlock(files []FileRef) string {
	if len(files) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("\n\n[Attached files, available in your working directory]\n")
	for _, f := range files {
		fmt.Fprintf(&b, "- %s (%s, %d bytes): %s\n", f.Name, f.MimeType, f.Size, f.Path)
	}
	return b.String()
}

// skillsBlock lists the available skills for the system prompt.
func skillsBlock(skills []string) string {
	if len(skills) == 0 {
		return ""
	}
	return "\n\nAvailable skills: " + strings.Join(skills, ", ")
}

// missingConfigBlock tells the agent which skills are unconfigured so it can
// ask for the values instead of calling them.
func missingConfigBlock(missing map[string][]string) string {
	if len(missing) == 0 {
		return ""
	}
	names := make([]string, 0, len(missing))
	for name := range missing {
		names = append(names, name)
	}
	sort.Strings(names)
	var b strings.Builder
	b.WriteString("\n\n[Skills not configured yet; ask the user for these values before using them]\n")
	for _, name := range names {
		fmt.Fprintf(&b, "- %s: %s\n", name, strings.Join(missing[name], ", "))
	}
	return b.String()
}
