package skills

import (
	"context"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// StoredSecrets is the database side of a user's secrets.
type StoredSecrets interface {
	ListUser(ctx context.Context, userID string) (map[string]map[string]string, error)
}

// SecretStore merges the user's skills_secrets.yml with the database.
// Database values win. Skill names and keys are lowercased.
type SecretStore struct {
	layout Layout
	stored StoredSecrets
}

// secretsFile is the YAML layout of skills_secrets.yml:
//
//	skills:
//	  himalaya:
//	    GMAIL: a@b.com
type secretsFile struct {
	Skills map[string]map[string]any `yaml:"skills"`
}

// NewSecretStore creates a merged store. stored may be nil.
func NewSecretStore(layout Layout, stored StoredSecrets) *SecretStore {
	return &SecretStore{layout: layout, stored: stored}
}

// All returns skill -> key -> value for one user.
func (s *SecretStore) All(ctx context.Context, userID string) (map[string]map[string]string, error) {
	if err := s.layout.ValidateUserID(userID); err != nil {
		return nil, err
	}

	merged, err := s.loadFile(userID)
	if err != nil {
		return nil, err
	}

	if s.stored != nil {
		fromDB, err := s.stored.ListUser(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("loading stored secrets: %w", err)
		}
		for skill, values := range fromDB {
			skill = strings.ToLower(skill)
			if merged[skill] == nil {
				merged[skill] = make(map[string]string)
			}
			for k, v := range values {
				merged[skill][strings.ToLower(k)] = v
			}
		}
	}
	return merged, nil
}

// Skill returns the values for one skill.
func (s *SecretStore) Skill(ctx context.Context, userID, skill string) (map[string]string, error) {
	all, err := s.All(ctx, userID)
	if err != nil {
		return nil, err
	}
	values := all[strings.ToLower(skill)]
	if values == nil {
		values = map[string]string{}
	}
	return values, nil
}

func (s *SecretStore) loadFile(userID string) (map[string]map[string]string, error) {
	out := make(map[string]map[string]string)

	data, err := os.ReadFile(s.layout.SecretsPath(userID))
	if err != nil {
		if os.IsNotExist(err) {
			return out, nil
		}
		return nil, fmt.Errorf("reading secrets file: %w", err)
	}

	var file secretsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing secrets file %s: %w", s.layout.SecretsPath(userID), err)
	}

	for skill, values := range file.Skills {
		skill = strings.ToLower(skill)
		if out[skill] == nil {
			out[skill] = make(map[string]string)
		}
		for k, v := range values {
			if v == nil {
				continue
			}
			out[skill][strings.ToLower(k)] = fmt.Sprint(v)
		}
	}
	return out, nil
}
