package skills

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/jholhewres/taskclaw/pkg/taskclaw/apperr"
)

func TestClassifyName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		skill string
		name  string
		want  Entry
	}{
		{"himalaya", "himalaya.toml_example", Template{Name: "himalaya.toml_example", Target: "himalaya.toml"}},
		{"himalaya", "settings.json.example", Template{Name: "settings.json.example", Target: "himalaya__settings.json"}},
		{"foo", "config.toml_example", Template{Name: "config.toml_example", Target: "foo__config.toml"}},
		{"foo", "foo_example", Template{Name: "foo_example", Target: "foo"}},
		{"himalaya", "SKILL.md", Ordinary{Name: "SKILL.md"}},
		{"himalaya", "_example", Ordinary{Name: "_example"}},
		{"himalaya", "example", Ordinary{Name: "example"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ClassifyName(tt.skill, tt.name)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ClassifyName(%q, %q) = %#v, want %#v", tt.skill, tt.name, got, tt.want)
			}
		})
	}
}

func TestClassify_SkipsDirectories(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.toml_example"), "x")
	writeFile(t, filepath.Join(dir, "SKILL.md"), "x")
	if err := os.Mkdir(filepath.Join(dir, "scripts.example"), 0o755); err != nil {
		t.Fatal(err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	got := Classify("a", entries)
	if len(got) != 2 {
		t.Fatalf("expected 2 entries, got %#v", got)
	}
}

func TestExportName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		skill, target, want string
	}{
		{"himalaya", "himalaya.toml", "HIMALAYA_CONFIG"},
		{"my-tool", "my-tool.toml", "MY_TOOL_CONFIG"},
		{"himalaya", "himalaya__settings.json", ""},
		{"foo", "foo__config.toml", ""},
	}
	for _, tt := range tests {
		if got := ExportName(tt.skill, tt.target); got != tt.want {
			t.Errorf("ExportName(%q, %q) = %q, want %q", tt.skill, tt.target, got, tt.want)
		}
	}
}

func TestSubstitute(t *testing.T) {
	t.Parallel()

	body := []byte("[account]\nemail = \"[GMAIL]\"\npassword = \"[PASSWORD]\"\n")
	out, missing := Substitute(body, map[string]string{"gmail": "a@b.com", "password": "pw"})
	if len(missing) != 0 {
		t.Fatalf("unexpected missing keys: %v", missing)
	}
	want := "[account]\nemail = \"a@b.com\"\npassword = \"pw\"\n"
	if string(out) != want {
		t.Errorf("Substitute = %q, want %q", out, want)
	}

	_, missing = Substitute(body, map[string]string{"gmail": "a@b.com"})
	if !reflect.DeepEqual(missing, []string{"PASSWORD"}) {
		t.Errorf("missing = %v, want [PASSWORD]", missing)
	}
}

type fixture struct {
	layout Layout
	store  *SecretStore
	m      *Materializer
}

func newFixture(t *testing.T, stored StoredSecrets) fixture {
	t.Helper()
	layout := Layout{Root: t.TempDir(), SharedDir: "shared", SecretsFile: "skills_secrets.yml"}
	store := NewSecretStore(layout, stored)
	return fixture{layout: layout, store: store, m: NewMaterializer(layout, store, nil)}
}

func TestRender_Himalaya(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	writeFile(t, filepath.Join(f.layout.UserDir("u1"), "himalaya", "himalaya.toml_example"), "email = \"[GMAIL]\"\n")
	writeFile(t, f.layout.SecretsPath("u1"), "skills:\n  himalaya:\n    gmail: a@b.com\n")

	res, err := f.m.Render(context.Background(), "u1", "himalaya")
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if err := res.Err(); err != nil {
		t.Fatalf("unexpected missing config: %v", err)
	}

	want, _ := filepath.Abs(filepath.Join(f.layout.UserDir("u1"), "himalaya.toml"))
	if len(res.Rendered) != 1 || res.Rendered[0] != want {
		t.Fatalf("Rendered = %v, want [%s]", res.Rendered, want)
	}
	data, err := os.ReadFile(want)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "email = \"a@b.com\"\n" {
		t.Errorf("rendered content = %q", data)
	}
	if res.Exports["HIMALAYA_CONFIG"] != want {
		t.Errorf("HIMALAYA_CONFIG = %q, want %q", res.Exports["HIMALAYA_CONFIG"], want)
	}
}

func TestRender_Idempotent(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()

	writeFile(t, filepath.Join(f.layout.UserDir("u1"), "himalaya", "himalaya.toml_example"), "email = \"[GMAIL]\"\n")
	writeFile(t, f.layout.SecretsPath("u1"), "skills:\n  himalaya:\n    GMAIL: a@b.com\n")

	first, err := f.m.RenderAll(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	before, _ := os.ReadFile(first.Rendered[0])

	second, err := f.m.RenderAll(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	after, _ := os.ReadFile(second.Rendered[0])

	if string(before) != string(after) {
		t.Errorf("re-render changed output: %q != %q", before, after)
	}
	if first.Fingerprint != second.Fingerprint {
		t.Error("fingerprint changed with unchanged secrets")
	}

	writeFile(t, f.layout.SecretsPath("u1"), "skills:\n  himalaya:\n    GMAIL: c@d.com\n")
	third, err := f.m.RenderAll(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if third.Fingerprint == first.Fingerprint {
		t.Error("fingerprint should change when a secret changes")
	}
}

func TestRender_MissingPlaceholderWritesNothing(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	writeFile(t, filepath.Join(f.layout.UserDir("u1"), "himalaya", "himalaya.toml_example"),
		"email = \"[GMAIL]\"\npassword = \"[PASSWORD]\"\n")
	writeFile(t, f.layout.SecretsPath("u1"), "skills:\n  himalaya:\n    gmail: a@b.com\n")

	res, err := f.m.Render(context.Background(), "u1", "himalaya")
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}

	if _, err := os.Stat(filepath.Join(f.layout.UserDir("u1"), "himalaya.toml")); !os.IsNotExist(err) {
		t.Errorf("no output file should exist, stat err = %v", err)
	}
	if !reflect.DeepEqual(res.MissingKeys(), []string{"PASSWORD"}) {
		t.Errorf("MissingKeys = %v, want [PASSWORD]", res.MissingKeys())
	}
	if len(res.Exports) != 0 {
		t.Errorf("no export expected, got %v", res.Exports)
	}

	err = res.Err()
	if apperr.KindOf(err) != apperr.KindConfigMissing {
		t.Errorf("KindOf = %s, want %s", apperr.KindOf(err), apperr.KindConfigMissing)
	}
}

func TestRender_SharedSkillShadowedByUser(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	writeFile(t, filepath.Join(f.layout.SharedPath(), "notes", "notes.toml_example"), "shared = \"[TOKEN]\"\n")
	writeFile(t, filepath.Join(f.layout.SharedPath(), "weather", "weather.toml_example"), "city = \"[CITY]\"\n")
	writeFile(t, filepath.Join(f.layout.UserDir("u1"), "notes", "notes.toml_example"), "own = \"[TOKEN]\"\n")
	writeFile(t, f.layout.SecretsPath("u1"), "skills:\n  notes:\n    token: t1\n  weather:\n    city: Lisbon\n")

	snap, err := f.m.RenderAll(context.Background(), "u1")
	if err != nil {
		t.Fatalf("RenderAll failed: %v", err)
	}
	if !reflect.DeepEqual(snap.Skills, []string{"notes", "weather"}) {
		t.Errorf("Skills = %v", snap.Skills)
	}

	notes, _ := os.ReadFile(filepath.Join(f.layout.UserDir("u1"), "notes.toml"))
	if string(notes) != "own = \"t1\"\n" {
		t.Errorf("user skill should shadow shared, got %q", notes)
	}
	weather, _ := os.ReadFile(filepath.Join(f.layout.UserDir("u1"), "weather.toml"))
	if string(weather) != "city = \"Lisbon\"\n" {
		t.Errorf("shared skill should render into the user root, got %q", weather)
	}
	if _, err := os.Stat(filepath.Join(f.layout.SharedPath(), "weather.toml")); !os.IsNotExist(err) {
		t.Error("shared tree must not receive rendered files")
	}
}

func TestSnapshot_ErrForOnlyNamedSkill(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	writeFile(t, filepath.Join(f.layout.SharedPath(), "notion", "config.example"), "token = \"[TOKEN]\"\n")
	writeFile(t, filepath.Join(f.layout.SharedPath(), "weather", "SKILL.md"), "# weather\n")

	snap, err := f.m.RenderAll(context.Background(), "u1")
	if err != nil {
		t.Fatalf("RenderAll failed: %v", err)
	}
	if !reflect.DeepEqual(snap.Missing, map[string][]string{"notion": {"TOKEN"}}) {
		t.Fatalf("Missing = %v", snap.Missing)
	}

	tests := []struct {
		text string
		want bool
	}{
		{"hello", false},
		{"what's the weather in Lisbon?", false},
		{"notional amounts", false},
		{"add this to Notion please", true},
		{"/notion sync", true},
	}
	for _, tt := range tests {
		err := snap.ErrFor(tt.text)
		if got := apperr.KindOf(err) == apperr.KindConfigMissing; got != tt.want {
			t.Errorf("ErrFor(%q) = %v, want refusal %v", tt.text, err, tt.want)
		}
	}
}

type memSecrets map[string]map[string]map[string]string

func (m memSecrets) ListUser(_ context.Context, userID string) (map[string]map[string]string, error) {
	return m[userID], nil
}

func TestSecretStore_DatabaseWinsAndIsolates(t *testing.T) {
	t.Parallel()
	f := newFixture(t, memSecrets{
		"u1": {"Himalaya": {"GMAIL": "db@b.com"}},
	})
	writeFile(t, f.layout.SecretsPath("u1"), "skills:\n  himalaya:\n    gmail: file@b.com\n    port: 993\n")

	got, err := f.store.Skill(context.Background(), "u1", "HIMALAYA")
	if err != nil {
		t.Fatal(err)
	}
	if got["gmail"] != "db@b.com" {
		t.Errorf("gmail = %q, want the database value", got["gmail"])
	}
	if got["port"] != "993" {
		t.Errorf("port = %q, want 993", got["port"])
	}

	other, err := f.store.Skill(context.Background(), "u2", "himalaya")
	if err != nil {
		t.Fatal(err)
	}
	if len(other) != 0 {
		t.Errorf("u2 must not see u1 secrets, got %v", other)
	}
}

func TestLayout_ValidateUserID(t *testing.T) {
	t.Parallel()
	l := Layout{Root: "/skills", SharedDir: "shared"}

	for _, bad := range []string{"", ".", "..", "a/b", `a\b`, "shared"} {
		if err := l.ValidateUserID(bad); err == nil {
			t.Errorf("ValidateUserID(%q) should fail", bad)
		}
	}
	if err := l.ValidateUserID("12345"); err != nil {
		t.Errorf("ValidateUserID(12345) = %v", err)
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}
