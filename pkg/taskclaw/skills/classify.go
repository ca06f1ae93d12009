package skills

import (
	"io/fs"
	"strings"
)

// Template suffixes, checked in order.
var templateSuffixes = []string{"_example", ".example"}

// Entry is a classified skill directory entry: either Template or Ordinary.
type Entry interface {
	entryName() string
}

// Template is a file whose rendered output is Target.
type Template struct {
	Name   string
	Target string
}

// Ordinary is any file that is not a template.
type Ordinary struct {
	Name string
}

func (t Template) entryName() string { return t.Name }
func (o Ordinary) entryName() string { return o.Name }

// ClassifyName classifies one file name belonging to skill. The target is the
// name with its template suffix stripped, prefixed with "<skill>__" unless it
// already starts with the skill name, so that two skills shipping a
// config.toml_example do not collide in the user's skill root.
func ClassifyName(skill, name string) Entry {
	for _, suffix := range templateSuffixes {
		base, ok := strings.CutSuffix(name, suffix)
		if !ok || base == "" {
			continue
		}
		return Template{Name: name, Target: targetName(skill, base)}
	}
	return Ordinary{Name: name}
}

// Classify classifies the file entries of a skill directory. Directories are
// skipped.
func Classify(skill string, entries []fs.DirEntry) []Entry {
	out := make([]Entry, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		out = append(out, ClassifyName(skill, entry.Name()))
	}
	return out
}

// ExportName returns the {SKILL}_CONFIG variable for the canonical
// <skill>.toml target, or "" for any other target.
func ExportName(skill, target string) string {
	if !strings.EqualFold(target, skill+".toml") {
		return ""
	}
	upper := strings.ToUpper(skill)
	upper = strings.Map(func(r rune) rune {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			return r
		}
		return '_'
	}, upper)
	return upper + "_CONFIG"
}

func targetName(skill, base string) string {
	lower := strings.ToLower(base)
	prefix := strings.ToLower(skill)
	if lower == prefix || strings.HasPrefix(lower, prefix+".") {
		return base
	}
	return skill + "__" + base
}
