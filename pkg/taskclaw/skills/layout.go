// Package skills materializes per-user skill configuration. Skill directories
// live under skills/<user_id>/ and skills/shared/; templates named
// *_example or *.example are rendered into the user's skill root with
// placeholders resolved from that user's secrets.
package skills

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Layout resolves paths in the skill filesystem convention.
type Layout struct {
	// Root holds one directory per user plus the shared directory.
	Root string

	// SharedDir is the shared directory name under Root.
	SharedDir string

	// SecretsFile is the per-user YAML secrets file name.
	SecretsFile string
}

// SkillDir is a discovered skill directory.
type SkillDir struct {
	Name   string
	Path   string
	Shared bool
}

// ValidateUserID rejects ids that would escape or collide in the layout.
func (l Layout) ValidateUserID(userID string) error {
	switch {
	case userID == "", userID == ".", userID == "..":
		return fmt.Errorf("invalid user id %q", userID)
	case strings.ContainsAny(userID, `/\`+"\x00"):
		return fmt.Errorf("user id %q contains a path separator", userID)
	case userID == l.SharedDir:
		return fmt.Errorf("user id %q collides with the shared skill directory", userID)
	}
	return nil
}

// UserDir returns skills/<user_id>.
func (l Layout) UserDir(userID string) string {
	return filepath.Join(l.Root, userID)
}

// SharedPath returns skills/shared.
func (l Layout) SharedPath() string {
	return filepath.Join(l.Root, l.SharedDir)
}

// SecretsPath returns skills/<user_id>/skills_secrets.yml.
func (l Layout) SecretsPath(userID string) string {
	return filepath.Join(l.UserDir(userID), l.SecretsFile)
}

// Skills lists the skills visible to a user. A user skill shadows a shared
// skill with the same name. The result is sorted by name.
func (l Layout) Skills(userID string) ([]SkillDir, error) {
	if err := l.ValidateUserID(userID); err != nil {
		return nil, err
	}

	byName := make(map[string]SkillDir)

	shared, err := listSkillDirs(l.SharedPath())
	if err != nil {
		return nil, err
	}
	for _, name := range shared {
		byName[strings.ToLower(name)] = SkillDir{Name: name, Path: filepath.Join(l.SharedPath(), name), Shared: true}
	}

	own, err := listSkillDirs(l.UserDir(userID))
	if err != nil {
		return nil, err
	}
	for _, name := range own {
		byName[strings.ToLower(name)] = SkillDir{Name: name, Path: filepath.Join(l.UserDir(userID), name)}
	}

	out := make([]SkillDir, 0, len(byName))
	for _, dir := range byName {
		out = append(out, dir)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Find returns one visible skill by name (case-insensitive).
func (l Layout) Find(userID, skill string) (SkillDir, error) {
	all, err := l.Skills(userID)
	if err != nil {
		return SkillDir{}, err
	}
	for _, dir := range all {
		if strings.EqualFold(dir.Name, skill) {
			return dir, nil
		}
	}
	return SkillDir{}, fmt.Errorf("skill %q not found for user %s", skill, userID)
}

// listSkillDirs returns non-hidden subdirectory names. A missing root is empty.
func listSkillDirs(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading skill directory %s: %w", root, err)
	}

	var names []string
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		names = append(names, entry.Name())
	}
	return names, nil
}
