// Package route delivers work items to their success or failure
// destination.
package route

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/mehmetymw/rec2table/internal/types"
)

// Dir moves routed files into <root>/success or <root>/failure next to a
// <name>.attributes.json sidecar holding the item's final attributes.
type Dir struct {
	root   string
	logger *zap.Logger
}

func NewDir(root string, logger *zap.Logger) (*Dir, error) {
	for _, rel := range []types.Relationship{types.RelSuccess, types.RelFailure} {
		if err := os.MkdirAll(filepath.Join(root, string(rel)), 0o755); err != nil {
			return nil, errors.Wrapf(err, "creating %s directory", rel)
		}
	}
	return &Dir{root: root, logger: logger}, nil
}

func (d *Dir) Route(_ context.Context, o types.Outcome) error {
	name := o.Item.Filename()
	if name == "" {
		name = o.Item.ID
	}
	dir := filepath.Join(d.root, string(o.Relationship))
	dst := filepath.Join(dir, name)

	if o.Item.Path != "" {
		if err := move(o.Item.Path, dst); err != nil {
			return errors.Wrapf(err, "moving %s", o.Item.Path)
		}
	} else if err := os.WriteFile(dst, o.Item.Content, 0o644); err != nil {
		return errors.Wrap(err, "writing content")
	}

	attrs, err := json.MarshalIndent(o.Item.Attributes, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(dst+".attributes.json", attrs, 0o644); err != nil {
		return errors.Wrap(err, "writing attributes")
	}
	d.logger.Debug("Work item routed",
		zap.String("id", o.Item.ID),
		zap.String("relationship", string(o.Relationship)),
		zap.String("path", dst))
	return nil
}

// move renames src to dst, copying when they live on different devices.
func move(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	b, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	if err := os.WriteFile(dst, b, 0o644); err != nil {
		return err
	}
	return os.Remove(src)
}

// Memory collects outcomes.
type Memory struct {
	mu       sync.Mutex
	outcomes []types.Outcome
}

func (m *Memory) Route(_ context.Context, o types.Outcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes = append(m.outcomes, o)
	return nil
}

func (m *Memory) Outcomes() []types.Outcome {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.Outcome, len(m.outcomes))
	copy(out, m.outcomes)
	return out
}

// Count returns how many outcomes went to rel.
func (m *Memory) Count(rel types.Relationship) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, o := range m.outcomes {
		if o.Relationship == rel {
			n++
		}
	}
	return n
}
