// Package audit records task state transitions for later inspection.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	"github.com/bytedance/sonic"
	"github.com/fentz26/cineflow/internal/models"
)

// EventWriter persists audit records.
type EventWriter interface {
	WriteTaskEvent(ctx context.Context, action, inputsHash, outcome, taskID, room, details string) (*models.TaskEvent, error)
}

// Recorder writes task events for audit trails.
type Recorder struct {
	w EventWriter
}

// NewRecorder creates a recorder. A nil writer records nothing.
func NewRecorder(w EventWriter) *Recorder {
	return &Recorder{w: w}
}

// Record writes an event for a task transition. inputs are hashed, not stored.
func (r *Recorder) Record(ctx context.Context, action string, inputs any, outcome, taskID, room, details string) (*models.TaskEvent, error) {
	if r == nil || r.w == nil {
		return nil, nil
	}
	return r.w.WriteTaskEvent(ctx, action, hashInputs(inputs), outcome, taskID, room, details)
}

// hashInputs creates a SHA256 hash of the inputs. Map keys are sorted so
// equal inputs hash equally.
func hashInputs(inputs any) string {
	data, err := sonic.ConfigStd.Marshal(inputs)
	if err != nil {
		return "hash_error"
	}
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}
