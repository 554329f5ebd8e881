package dispatch

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"
)

// Handler runs one task inside a worker process.
type Handler func(ctx context.Context, payload []byte) ([]byte, error)

// Worker is the child side of the pool.
type Worker struct {
	Handlers map[string]Handler
	Codes    ErrorCodes
	Logger   *zap.Logger
}

// Serve answers task frames from in on out, one at a time, until in is
// closed or ctx is cancelled. A handler panic is reported as a task error and
// the worker keeps serving.
func (w *Worker) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	logger := w.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	r := bufio.NewReader(in)
	bw := bufio.NewWriter(out)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		line, err := r.ReadBytes('\n')
		if len(line) == 0 && err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read task frame: %w", err)
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			return fmt.Errorf("decode task frame: %w", err)
		}
		start := time.Now()
		resp := w.handle(ctx, &req)
		logger.Debug("task done",
			zap.String("id", req.ID),
			zap.String("kind", req.Kind),
			zap.String("code", resp.Code),
			zap.Duration("took", time.Since(start)),
		)

		frame, err := json.Marshal(resp)
		if err != nil {
			return fmt.Errorf("encode task response: %w", err)
		}
		frame = append(frame, '\n')
		if _, err := bw.Write(frame); err != nil {
			return fmt.Errorf("write task response: %w", err)
		}
		if err := bw.Flush(); err != nil {
			return fmt.Errorf("write task response: %w", err)
		}
	}
}

func (w *Worker) handle(ctx context.Context, req *Request) (resp *Response) {
	resp = &Response{ID: req.ID}
	if req.Kind == PingTask {
		resp.Payload = json.RawMessage(`"pong"`)
		return resp
	}
	h, ok := w.Handlers[req.Kind]
	if !ok {
		resp.Code = CodeUnknownTask
		resp.Error = fmt.Sprintf("no handler for task %q", req.Kind)
		return resp
	}
	defer func() {
		if p := recover(); p != nil {
			resp.Payload = nil
			resp.Code = CodeInternal
			resp.Error = fmt.Sprintf("panic: %v", p)
		}
	}()
	out, err := h(ctx, req.Payload)
	if err != nil {
		resp.Code = w.Codes.codeOf(err)
		resp.Error = err.Error()
		return resp
	}
	resp.Payload = out
	return resp
}
