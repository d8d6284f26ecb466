package engine

import (
	"context"
	"encoding/json"
)

type ResultType string

const (
	ResultPause    ResultType = "pause"
	ResultComplete ResultType = "complete"
	ResultError    ResultType = "error"
)

// FetchRequest describes the network call a paused script is waiting on.
// The caller performs it and hands the response back through a resume.
type FetchRequest struct {
	ID      string         `json:"id"`
	URL     string         `json:"url"`
	Options map[string]any `json:"options,omitempty"`
}

// Result is the discriminated outcome of ExecuteCode and ResumeExecution.
//
// State is an engine-defined checkpoint. Callers must treat it as opaque and
// hand it back unmodified.
type Result struct {
	Type         ResultType      `json:"type"`
	Result       any             `json:"result,omitempty"`
	Error        string          `json:"error,omitempty"`
	State        json.RawMessage `json:"state,omitempty"`
	FetchRequest *FetchRequest   `json:"fetch_request,omitempty"`
}

// Engine runs restricted code until it completes, errors or reaches a fetch.
// An instance is owned by a single call and must be disposed by it.
type Engine interface {
	Initialize(ctx context.Context) error
	ExecuteCode(ctx context.Context, code string) (Result, error)
	ResumeExecution(ctx context.Context, vmState json.RawMessage, response any) (Result, error)

	// Paused is the internal paused context. It is written before a resume
	// and read after a pause.
	Paused() json.RawMessage
	SetPaused(state json.RawMessage)

	Dispose() error
}

// Factory hands out a fresh, uninitialized engine.
type Factory func() Engine
