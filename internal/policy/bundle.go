package policy

import (
	"context"
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Bundle is the on-disk YAML form of a set of policies.
type Bundle struct {
	Policies []Policy `yaml:"policies"`
}

// ParseBundle decodes a YAML policy bundle and validates each entry.
func ParseBundle(data []byte) ([]Policy, error) {
	var b Bundle
	if err := yaml.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("decode policy bundle: %w", err)
	}
	for i := range b.Policies {
		if err := Validate(&b.Policies[i]); err != nil {
			return nil, fmt.Errorf("policy %d (%s): %w", i, b.Policies[i].ID, err)
		}
	}
	return b.Policies, nil
}

// LoadBundle reads and parses a YAML policy bundle from path.
func LoadBundle(path string) ([]Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy bundle: %w", err)
	}
	return ParseBundle(data)
}

// Apply deploys each policy, or updates it when the ID already exists.
func (e *Engine) Apply(ctx context.Context, policies []Policy, actorID string) error {
	for _, p := range policies {
		_, err := e.Deploy(ctx, p, actorID)
		if errors.Is(err, ErrPolicyExists) {
			_, err = e.Update(ctx, p.ID, p, actorID)
		}
		if err != nil {
			return fmt.Errorf("apply policy %s: %w", p.ID, err)
		}
	}
	e.logger.Info("policy bundle applied", zap.Int("policies", len(policies)))
	return nil
}
