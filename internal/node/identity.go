package node

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Identity is the persisted identity of this node. NodeID is generated once
// and never changes afterwards.
type Identity struct {
	NodeID    string    `yaml:"node_id"`
	Name      string    `yaml:"name"`
	CreatedAt time.Time `yaml:"created_at"`
}

// LoadOrCreateIdentity reads the identity file at path, creating it with a
// fresh node id on first run. A configured name replaces the stored one;
// the node id is never rewritten.
func LoadOrCreateIdentity(path, name string) (*Identity, error) {
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		var id Identity
		if err := yaml.Unmarshal(data, &id); err != nil {
			return nil, fmt.Errorf("failed to parse identity file %s: %w", path, err)
		}
		if id.NodeID == "" {
			return nil, fmt.Errorf("identity file %s has no node_id", path)
		}
		if name != "" && name != id.Name {
			id.Name = name
			if err := writeIdentity(path, &id); err != nil {
				return nil, err
			}
		}
		return &id, nil
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("failed to read identity file: %w", err)
	}

	id := &Identity{
		NodeID:    uuid.NewString(),
		Name:      name,
		CreatedAt: time.Now().UTC(),
	}
	if id.Name == "" {
		if host, err := os.Hostname(); err == nil {
			id.Name = host
		}
	}
	if err := writeIdentity(path, id); err != nil {
		return nil, err
	}
	return id, nil
}

func writeIdentity(path string, id *Identity) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create identity directory: %w", err)
	}
	data, err := yaml.Marshal(id)
	if err != nil {
		return fmt.Errorf("failed to encode identity: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write identity file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to install identity file: %w", err)
	}
	return nil
}
