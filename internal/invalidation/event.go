// Package invalidation defines the cross-node cache invalidation event.
package invalidation

import (
	"fmt"
	"strings"
	"time"

	"github.com/mohammed-shakir/trail-cache/internal/version"
)

const (
	// OpDatasetInstalled announces that a node installed a new dataset.
	OpDatasetInstalled = "dataset_installed"
	// OpInvalidate asks every node to drop cached results.
	OpInvalidate = "invalidate"

	ScopeEntity = "entity"
	ScopeAll    = "all"
)

type Event struct {
	Version        int       `json:"version"`
	Op             string    `json:"op"`
	DatasetVersion string    `json:"dataset_version,omitempty"`
	Scope          string    `json:"scope,omitempty"`
	TS             time.Time `json:"ts"`
	Source         string    `json:"source"`
}

func (e Event) Validate() error {
	if e.Version != 1 {
		return fmt.Errorf("version must be 1")
	}
	if e.TS.IsZero() {
		return fmt.Errorf("ts is required")
	}
	if strings.TrimSpace(e.Source) == "" {
		return fmt.Errorf("source is required")
	}
	switch e.Op {
	case OpDatasetInstalled:
		if !version.Valid(e.DatasetVersion) {
			return fmt.Errorf("dataset_version %q is not a version", e.DatasetVersion)
		}
	case OpInvalidate:
	default:
		return fmt.Errorf("op must be %s|%s", OpDatasetInstalled, OpInvalidate)
	}
	switch e.Scope {
	case "", ScopeEntity, ScopeAll:
	default:
		return fmt.Errorf("scope must be %s|%s", ScopeEntity, ScopeAll)
	}
	return nil
}

// NewerThan reports whether e supersedes prev from the same source and op.
// Installs are ordered by dataset version, invalidations by timestamp.
func (e Event) NewerThan(prev Event) bool {
	if e.Op == OpDatasetInstalled {
		return version.Compare(e.DatasetVersion, prev.DatasetVersion) > 0
	}
	return e.TS.After(prev.TS)
}
