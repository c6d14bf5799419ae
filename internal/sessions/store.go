// Package sessions persists run state across process restarts: the
// conversation, permission grants, plugin state, and a metrics snapshot.
// Saves happen at iteration boundaries, so a crash loses at most the
// in-flight iteration and the runtime replays from the last checkpoint.
package sessions

import (
	"context"
	"errors"
	"time"

	"encoding/json"

	"github.com/haasonsaas/strand/internal/permissions"
	"github.com/haasonsaas/strand/pkg/models"
)

// ErrNotFound is returned when no document exists for a session id.
var ErrNotFound = errors.New("session not found")

// Version is the current session document format version.
const Version = 1

// Document is the versioned session snapshot.
type Document struct {
	Version   int    `json:"version"`
	SessionID string `json:"session_id"`

	// Items is the ordered conversation at the last checkpoint.
	Items []models.Item `json:"items"`

	// Approvals is the serialized permission state.
	Approvals permissions.State `json:"approvals"`

	// PluginStates maps plugin name to its opaque serialized state.
	PluginStates map[string]json.RawMessage `json:"plugin_states,omitempty"`

	// Metrics is the run metrics snapshot at the checkpoint.
	Metrics models.RunMetrics `json:"metrics"`

	// LastCheckpoint is when the document was last saved.
	LastCheckpoint time.Time `json:"last_checkpoint"`
}

// Store persists session documents. Save is at-least-once: callers may
// re-save the same checkpoint and implementations must overwrite.
type Store interface {
	// Load returns the document for id, or ErrNotFound.
	Load(ctx context.Context, id string) (*Document, error)

	// Save overwrites the document for id.
	Save(ctx context.Context, id string, doc *Document) error

	// Delete removes the document. Deleting a missing id is not an error.
	Delete(ctx context.Context, id string) error
}
