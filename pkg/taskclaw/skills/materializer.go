package skills

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"unicode"

	"golang.org/x/crypto/blake2b"

	"github.com/jholhewres/taskclaw/pkg/taskclaw/apperr"
	"github.com/jholhewres/taskclaw/pkg/taskclaw/fsutil"
)

// placeholderPattern matches [GMAIL], [API_KEY], [TOKEN2]. Lowercase and
// dotted brackets such as TOML table headers are left alone.
var placeholderPattern = regexp.MustCompile(`\[([A-Z][A-Z0-9_]*)\]`)

// Secrets supplies the secret values of one skill, keyed by lowercased key.
type Secrets interface {
	Skill(ctx context.Context, userID, skill string) (map[string]string, error)
}

// Result is the outcome of rendering one skill.
type Result struct {
	Skill string

	// Rendered holds absolute paths of rendered files, sorted.
	Rendered []string

	// Missing maps a template name to its unresolved placeholder keys.
	Missing map[string][]string

	// Exports holds {SKILL}_CONFIG style variables.
	Exports map[string]string

	digests map[string][]byte
}

// MissingKeys returns the union of unresolved keys, sorted.
func (r *Result) MissingKeys() []string {
	seen := make(map[string]bool)
	var keys []string
	for _, missing := range r.Missing {
		for _, k := range missing {
			if !seen[k] {
				seen[k] = true
				keys = append(keys, k)
			}
		}
	}
	sort.Strings(keys)
	return keys
}

// Err reports unresolved placeholders as a configuration-missing error.
func (r *Result) Err() error {
	if len(r.Missing) == 0 {
		return nil
	}
	templates := make([]string, 0, len(r.Missing))
	for name := range r.Missing {
		templates = append(templates, name)
	}
	sort.Strings(templates)

	e := apperr.NewConfigMissing(r.Skill, r.MissingKeys())
	e.Err = apperr.NewMissingPlaceholders(r.Skill, templates[0], r.Missing[templates[0]])
	return e
}

// Materializer renders skill templates into per-user config files.
type Materializer struct {
	layout  Layout
	secrets Secrets
	logger  *slog.Logger
}

// NewMaterializer creates a materializer.
func NewMaterializer(layout Layout, secrets Secrets, logger *slog.Logger) *Materializer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Materializer{
		layout:  layout,
		secrets: secrets,
		logger:  logger.With("component", "materializer"),
	}
}

// Render renders every template of one skill into the user's skill root.
// A template with unresolved placeholders is not written; any output left
// from an earlier render is removed. Re-rendering with unchanged secrets
// produces byte-identical files and skips the write.
func (m *Materializer) Render(ctx context.Context, userID, skill string) (*Result, error) {
	dir, err := m.layout.Find(userID, skill)
	if err != nil {
		return nil, err
	}
	values, err := m.secrets.Skill(ctx, userID, dir.Name)
	if err != nil {
		return nil, fmt.Errorf("loading secrets for %s: %w", dir.Name, err)
	}

	root, err := filepath.Abs(m.layout.UserDir(userID))
	if err != nil {
		return nil, fmt.Errorf("resolving skill root: %w", err)
	}

	res := &Result{
		Skill:   dir.Name,
		Missing: make(map[string][]string),
		Exports: make(map[string]string),
		digests: make(map[string][]byte),
	}

	err = filepath.WalkDir(dir.Path, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != dir.Path && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		tpl, ok := ClassifyName(dir.Name, d.Name()).(Template)
		if !ok {
			return nil
		}
		return m.renderTemplate(res, root, path, tpl, values)
	})
	if err != nil {
		return nil, fmt.Errorf("rendering skill %s: %w", dir.Name, err)
	}

	sort.Strings(res.Rendered)
	return res, nil
}

func (m *Materializer) renderTemplate(res *Result, root, path string, tpl Template, values map[string]string) error {
	body, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading template %s: %w", tpl.Name, err)
	}

	rendered, missing := Substitute(body, values)
	target := filepath.Join(root, tpl.Target)

	if len(missing) > 0 {
		res.Missing[tpl.Name] = missing
		if err := os.Remove(target); err == nil {
			m.logger.Info("removed stale rendered file", "skill", res.Skill, "path", target)
		}
		m.logger.Warn("template has unresolved placeholders",
			"skill", res.Skill, "template", tpl.Name, "keys", missing)
		return nil
	}

	existing, err := os.ReadFile(target)
	if err != nil || !bytes.Equal(existing, rendered) {
		if err := fsutil.WriteAtomic(target, rendered, 0o600); err != nil {
			return err
		}
		m.logger.Debug("rendered template", "skill", res.Skill, "template", tpl.Name, "path", target)
	}

	sum := blake2b.Sum256(rendered)
	res.digests[target] = sum[:]
	res.Rendered = append(res.Rendered, target)
	if name := ExportName(res.Skill, tpl.Target); name != "" {
		res.Exports[name] = target
	}
	return nil
}

// Substitute replaces [KEY] tokens with values looked up case-insensitively.
// It returns the rendered bytes and the sorted unresolved keys. When keys are
// missing the rendered bytes must not be used.
func Substitute(body []byte, values map[string]string) ([]byte, []string) {
	missingSet := make(map[string]bool)
	out := placeholderPattern.ReplaceAllFunc(body, func(match []byte) []byte {
		key := string(match[1 : len(match)-1])
		v, ok := values[strings.ToLower(key)]
		if !ok || v == "" {
			missingSet[key] = true
			return match
		}
		return []byte(v)
	})

	if len(missingSet) == 0 {
		return out, nil
	}
	missing := make([]string, 0, len(missingSet))
	for k := range missingSet {
		missing = append(missing, k)
	}
	sort.Strings(missing)
	return out, missing
}

// Snapshot is the rendered skill configuration of one user. Fingerprint
// changes whenever the skill set, a rendered file or an export changes.
type Snapshot struct {
	UserID      string
	Skills      []string
	Rendered    []string
	Exports     map[string]string
	Missing     map[string][]string
	Fingerprint string
}

// Env returns the exports as KEY=value pairs, sorted.
func (s *Snapshot) Env() []string {
	env := make([]string, 0, len(s.Exports))
	for k, v := range s.Exports {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)
	return env
}

// Err reports the first skill with unresolved placeholders.
func (s *Snapshot) Err() error {
	names := s.missingSkills()
	if len(names) == 0 {
		return nil
	}
	return apperr.NewConfigMissing(names[0], s.Missing[names[0]])
}

// ErrFor reports the first unconfigured skill that text names as a word.
// Messages that do not mention an unconfigured skill get nil.
func (s *Snapshot) ErrFor(text string) error {
	names := s.missingSkills()
	if len(names) == 0 {
		return nil
	}
	words := make(map[string]bool)
	for _, w := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-' && r != '_'
	}) {
		words[w] = true
	}
	for _, name := range names {
		if words[strings.ToLower(name)] {
			return apperr.NewConfigMissing(name, s.Missing[name])
		}
	}
	return nil
}

func (s *Snapshot) missingSkills() []string {
	names := make([]string, 0, len(s.Missing))
	for name, keys := range s.Missing {
		if len(keys) > 0 {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// RenderAll renders every skill visible to the user and fingerprints the
// result. Skills with missing placeholders are recorded in Missing rather
// than failing the whole render.
func (m *Materializer) RenderAll(ctx context.Context, userID string) (*Snapshot, error) {
	dirs, err := m.layout.Skills(userID)
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{
		UserID:  userID,
		Exports: make(map[string]string),
		Missing: make(map[string][]string),
	}
	digests := make(map[string][]byte)

	var errs []error
	for _, dir := range dirs {
		res, err := m.Render(ctx, userID, dir.Name)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			errs = append(errs, err)
			continue
		}
		snap.Skills = append(snap.Skills, res.Skill)
		snap.Rendered = append(snap.Rendered, res.Rendered...)
		for k, v := range res.Exports {
			snap.Exports[k] = v
		}
		if keys := res.MissingKeys(); len(keys) > 0 {
			snap.Missing[res.Skill] = keys
		}
		for path, sum := range res.digests {
			digests[path] = sum
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	sort.Strings(snap.Rendered)
	snap.Fingerprint = fingerprint(snap, digests)
	return snap, nil
}

func fingerprint(snap *Snapshot, digests map[string][]byte) string {
	h, _ := blake2b.New256(nil)
	write := func(parts ...string) {
		for _, p := range parts {
			h.Write([]byte(p))
			h.Write([]byte{0})
		}
	}

	write("user", snap.UserID)
	for _, name := range snap.Skills {
		write("skill", name)
	}
	for _, path := range snap.Rendered {
		write("file", path)
		h.Write(digests[path])
	}
	for _, kv := range snap.Env() {
		write("env", kv)
	}
	return hex.EncodeToString(h.Sum(nil))
}
