// Package dispatch runs tasks on a fixed pool of worker processes.
//
// Workers are child processes speaking newline-delimited JSON frames on their
// stdin and stdout: the parent writes one Request, the worker answers with one
// Response carrying the same ID. Worker logs go to stderr.
package dispatch

import (
	"errors"
	"fmt"
	"slices"

	json "github.com/goccy/go-json"
)

// PingTask is answered by every worker with the JSON string "pong".
const PingTask = "ping"

// Error codes used when a handler error matches no registered sentinel.
const (
	CodeInternal    = "internal"
	CodeUnknownTask = "unknown_task"
)

// Request is a task frame sent to a worker.
type Request struct {
	ID      string          `json:"id"`
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Response is a worker's answer to one Request.
type Response struct {
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
	Code    string          `json:"code,omitempty"`
}

// ErrorCodes maps wire codes to sentinel errors. Both sides of the pool use
// the same table: workers send the code of the first sentinel an error
// matches, and the parent rebuilds an error that matches the same sentinel.
type ErrorCodes map[string]error

func (c ErrorCodes) codeOf(err error) string {
	codes := make([]string, 0, len(c))
	for code := range c {
		codes = append(codes, code)
	}
	slices.Sort(codes)
	for _, code := range codes {
		if errors.Is(err, c[code]) {
			return code
		}
	}
	return CodeInternal
}

// TaskError is a handler failure reported by a worker.
type TaskError struct {
	Kind    string
	Code    string
	Message string

	sentinel error
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("task %s failed (%s): %s", e.Kind, e.Code, e.Message)
}

// Unwrap returns the sentinel registered for the error's code, if any.
func (e *TaskError) Unwrap() error {
	return e.sentinel
}

func (c ErrorCodes) taskError(kind string, resp *Response) *TaskError {
	return &TaskError{Kind: kind, Code: resp.Code, Message: resp.Error, sentinel: c[resp.Code]}
}
