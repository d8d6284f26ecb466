package task

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"pausevm/internal/engine"
)

type Status string

const (
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

// DefaultTTL is how long a paused task stays resumable.
const DefaultTTL = 2 * time.Hour

var (
	ErrTaskNotFound        = errors.New("task not found")
	ErrInvalidRequest      = errors.New("invalid request")
	ErrStoreNotInitialized = errors.New("task store is not initialized")
)

// Task is one execution attempt. VMState and PausedState belong to the
// engine and are carried verbatim.
type Task struct {
	ID           string               `json:"id"`
	Name         string               `json:"name"`
	Code         string               `json:"code"`
	Status       Status               `json:"status"`
	Result       any                  `json:"result"`
	Error        string               `json:"error,omitempty"`
	VMState      json.RawMessage      `json:"vm_state,omitempty"`
	PausedState  json.RawMessage      `json:"paused_state,omitempty"`
	FetchRequest *engine.FetchRequest `json:"fetch_request,omitempty"`
	CreatedAt    time.Time            `json:"created_at"`
	UpdatedAt    time.Time            `json:"updated_at"`
	ExpiresAt    time.Time            `json:"expires_at"`
}

func (t *Task) Validate() error {
	if t == nil {
		return fmt.Errorf("task is nil")
	}
	if strings.TrimSpace(t.ID) == "" {
		return fmt.Errorf("task id is required")
	}

	switch t.Status {
	case StatusRunning:
	case StatusPaused:
		if len(t.VMState) == 0 {
			return fmt.Errorf("paused task %s has no vm state", t.ID)
		}
		if len(t.PausedState) == 0 {
			return fmt.Errorf("paused task %s has no paused state", t.ID)
		}
		if t.FetchRequest == nil {
			return fmt.Errorf("paused task %s has no fetch request", t.ID)
		}
	case StatusCompleted:
		if t.Error != "" || len(t.VMState) > 0 || len(t.PausedState) > 0 || t.FetchRequest != nil {
			return fmt.Errorf("completed task %s carries execution state", t.ID)
		}
	case StatusError:
		if strings.TrimSpace(t.Error) == "" {
			return fmt.Errorf("error task %s has no message", t.ID)
		}
		if t.Result != nil || len(t.VMState) > 0 || len(t.PausedState) > 0 || t.FetchRequest != nil {
			return fmt.Errorf("error task %s carries execution state", t.ID)
		}
	default:
		return fmt.Errorf("task %s has unknown status %q", t.ID, t.Status)
	}
	return nil
}

// Expired reports whether the task is past its ExpiresAt. A zero ExpiresAt
// never expires.
func (t *Task) Expired(now time.Time) bool {
	if t == nil || t.ExpiresAt.IsZero() {
		return false
	}
	return !now.Before(t.ExpiresAt)
}

func (t Task) clone() Task {
	out := t
	out.VMState = cloneRaw(t.VMState)
	out.PausedState = cloneRaw(t.PausedState)
	if t.FetchRequest != nil {
		req := *t.FetchRequest
		if t.FetchRequest.Options != nil {
			req.Options = make(map[string]any, len(t.FetchRequest.Options))
			for k, v := range t.FetchRequest.Options {
				req.Options[k] = v
			}
		}
		out.FetchRequest = &req
	}
	return out
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	out := make(json.RawMessage, len(raw))
	copy(out, raw)
	return out
}

func timeToUnixMS(ts time.Time) int64 {
	if ts.IsZero() {
		return 0
	}
	return ts.UTC().UnixMilli()
}
