// Package handlers implements the task handler registry the worker uses
// to execute a job's payload once it has acquired the lease.
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
)

// Handler executes a job payload and returns its result, or an error if
// the task failed. Handlers must respect ctx cancellation for long
// running work.
type Handler func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)

// Registry maps task types to the handler that executes them.
type Registry struct {
	handlers map[string]Handler
	fallback Handler
}

// NewRegistry returns a Registry with the built-in task handlers
// registered, plus PassThrough as the default for unknown task types.
func NewRegistry() *Registry {
	r := &Registry{
		handlers: make(map[string]Handler),
		fallback: PassThrough,
	}
	r.Register("echo", Echo)
	return r
}

// Register associates a task type with a handler.
func (r *Registry) Register(taskType string, h Handler) {
	r.handlers[taskType] = h
}

// Lookup returns the handler for taskType, falling back to the default
// passthrough handler for unregistered task types — mirroring the
// original worker's behavior of never rejecting a job purely because
// its task_type is unrecognized.
func (r *Registry) Lookup(taskType string) Handler {
	if h, ok := r.handlers[taskType]; ok {
		return h
	}
	return r.fallback
}

type echoResult struct {
	Status string `json:"status"`
	Output string `json:"output"`
}

type echoPayload struct {
	Message string `json:"message"`
}

// Echo returns the payload's "message" field as its output, used for
// smoke-testing the pipeline end to end.
func Echo(_ context.Context, payload json.RawMessage) (json.RawMessage, error) {
	var p echoPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("echo: decode payload: %w", err)
	}
	return json.Marshal(echoResult{Status: "success", Output: p.Message})
}

type passThroughResult struct {
	Status string          `json:"status"`
	Output json.RawMessage `json:"output"`
}

// PassThrough returns the raw payload as its output, used for any task
// type without a dedicated handler.
func PassThrough(_ context.Context, payload json.RawMessage) (json.RawMessage, error) {
	return json.Marshal(passThroughResult{Status: "success", Output: payload})
}
