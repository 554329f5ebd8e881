package dispatch

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/hyperjump/cgrcompute/internal/metrics"
	"go.uber.org/zap"
)

var (
	// ErrPoolBroken is returned once any worker has died. A broken pool
	// accepts no further tasks and must be replaced.
	ErrPoolBroken = errors.New("worker pool is broken")
	// ErrPoolClosed is returned after Close.
	ErrPoolClosed = errors.New("worker pool is closed")
)

// Config describes the worker processes of a Pool.
type Config struct {
	// Size is the number of worker processes. It never changes after start.
	Size int
	// Command is the worker executable. Empty means the running binary.
	Command string
	Args    []string
	// Env is appended to the parent's environment.
	Env   []string
	Codes ErrorCodes
	// ShutdownTimeout bounds how long Close waits for workers to exit.
	ShutdownTimeout time.Duration
}

type result struct {
	payload []byte
	err     error
}

type task struct {
	id     string
	kind   string
	frame  []byte
	result chan result
}

type worker struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader
	exited chan struct{}
}

func (w *worker) pid() int {
	return w.cmd.Process.Pid
}

// roundTrip writes an encoded task frame and reads the matching response.
// Any error means the worker's pipes are no longer usable.
func (w *worker) roundTrip(id string, frame []byte) (*Response, error) {
	if _, err := w.stdin.Write(frame); err != nil {
		return nil, fmt.Errorf("write task: %w", err)
	}
	line, err := w.stdout.ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if resp.ID != id {
		return nil, fmt.Errorf("response id %s does not match task %s", resp.ID, id)
	}
	return &resp, nil
}

// Pool dispatches tasks to a fixed set of worker processes. Each worker runs
// one task at a time. When any worker dies the whole pool is marked broken:
// every worker is killed and in-flight and future tasks fail with
// ErrPoolBroken.
type Pool struct {
	cfg    Config
	logger *zap.Logger

	tasks    chan *task
	brokenCh chan struct{}
	closedCh chan struct{}
	wg       sync.WaitGroup

	mu      sync.Mutex
	workers []*worker
	broken  error
	closing bool
}

// NewPool starts cfg.Size worker processes.
func NewPool(cfg Config, logger *zap.Logger) (*Pool, error) {
	if cfg.Size <= 0 {
		return nil, fmt.Errorf("pool size must be positive, got %d", cfg.Size)
	}
	if cfg.Command == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve worker executable: %w", err)
		}
		cfg.Command = exe
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pool{
		cfg:      cfg,
		logger:   logger.Named("pool"),
		tasks:    make(chan *task),
		brokenCh: make(chan struct{}),
		closedCh: make(chan struct{}),
	}
	for i := 0; i < cfg.Size; i++ {
		w, err := p.spawn()
		if err != nil {
			_ = p.Close()
			return nil, err
		}
		p.mu.Lock()
		p.workers = append(p.workers, w)
		p.mu.Unlock()
		p.wg.Add(1)
		go p.run(w)
		go p.watch(w)
	}
	metrics.PoolWorkers.Set(float64(cfg.Size))
	metrics.SetPoolHealthy(true)
	p.logger.Info("worker pool started", zap.Int("size", cfg.Size), zap.Ints("pids", p.Pids()))
	return p, nil
}

func (p *Pool) spawn() (*worker, error) {
	cmd := exec.Command(p.cfg.Command, p.cfg.Args...)
	cmd.Env = append(os.Environ(), p.cfg.Env...)
	cmd.Stderr = os.Stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker: %w", err)
	}
	return &worker{
		cmd:    cmd,
		stdin:  stdin,
		stdout: bufio.NewReader(stdout),
		exited: make(chan struct{}),
	}, nil
}

// run feeds tasks to one worker until the pool breaks or closes.
func (p *Pool) run(w *worker) {
	defer p.wg.Done()
	for {
		select {
		case <-p.brokenCh:
			return
		case <-p.closedCh:
			return
		case t := <-p.tasks:
			resp, err := w.roundTrip(t.id, t.frame)
			if err != nil {
				if p.isClosed() {
					t.result <- result{err: ErrPoolClosed}
					return
				}
				p.markBroken(fmt.Errorf("worker %d: %w", w.pid(), err))
				t.result <- result{err: ErrPoolBroken}
				return
			}
			if resp.Code != "" || resp.Error != "" {
				t.result <- result{err: p.cfg.Codes.taskError(t.kind, resp)}
				continue
			}
			t.result <- result{payload: resp.Payload}
		}
	}
}

// watch reaps a worker. An exit that Close did not ask for breaks the pool.
func (p *Pool) watch(w *worker) {
	err := w.cmd.Wait()
	close(w.exited)
	p.mu.Lock()
	closing := p.closing
	p.mu.Unlock()
	if closing {
		return
	}
	if err == nil {
		err = errors.New("exited")
	}
	p.markBroken(fmt.Errorf("worker %d: %w", w.cmd.Process.Pid, err))
}

func (p *Pool) markBroken(cause error) {
	p.mu.Lock()
	if p.broken != nil || p.closing {
		p.mu.Unlock()
		return
	}
	p.broken = cause
	close(p.brokenCh)
	workers := p.workers
	p.mu.Unlock()

	p.logger.Error("worker pool broken", zap.Error(cause))
	metrics.SetPoolHealthy(false)
	metrics.PoolWorkers.Set(0)
	for _, w := range workers {
		_ = w.cmd.Process.Kill()
	}
}

// Err returns the cause of a broken pool, or nil.
func (p *Pool) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.broken
}

// Submit runs a task on the next free worker and waits for its result. A
// task that fails inside the worker returns a *TaskError.
func (p *Pool) Submit(ctx context.Context, kind string, payload []byte) ([]byte, error) {
	start := time.Now()
	out, err := p.submit(ctx, kind, payload)
	outcome := "ok"
	switch {
	case errors.Is(err, ErrPoolBroken):
		outcome = "broken"
	case err != nil:
		outcome = "error"
	}
	metrics.RecordPoolTask(kind, outcome, time.Since(start))
	return out, err
}

func (p *Pool) submit(ctx context.Context, kind string, payload []byte) ([]byte, error) {
	select {
	case <-p.closedCh:
		return nil, ErrPoolClosed
	case <-p.brokenCh:
		return nil, ErrPoolBroken
	default:
	}

	t, err := newTask(kind, payload)
	if err != nil {
		return nil, err
	}
	select {
	case p.tasks <- t:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.brokenCh:
		return nil, ErrPoolBroken
	case <-p.closedCh:
		return nil, ErrPoolClosed
	}

	select {
	case r := <-t.result:
		return r.payload, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// newTask encodes a task frame. A payload that is not valid JSON is rejected
// here and never reaches a worker.
func newTask(kind string, payload []byte) (*task, error) {
	if len(payload) > 0 && !json.Valid(payload) {
		return nil, fmt.Errorf("task %s: payload is not valid JSON", kind)
	}
	id := uuid.NewString()
	frame, err := json.Marshal(Request{ID: id, Kind: kind, Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("task %s: encode frame: %w", kind, err)
	}
	return &task{
		id:     id,
		kind:   kind,
		frame:  append(frame, '\n'),
		result: make(chan result, 1),
	}, nil
}

// HealthCheck submits a ping and waits for it. It reports false as soon as
// the pool is broken or closed. When ctx expires first the pool is only busy,
// not broken, and HealthCheck reports true.
func (p *Pool) HealthCheck(ctx context.Context) bool {
	out, err := p.Submit(ctx, PingTask, nil)
	switch {
	case err == nil:
		var pong string
		return json.Unmarshal(out, &pong) == nil && pong == "pong"
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		return p.Err() == nil && !p.isClosed()
	default:
		return false
	}
}

// Watch probes health every interval and sends the result whenever it
// differs from the previous one, starting with the first probe. Each probe
// waits at most timeout. The channel is closed when ctx is done.
func (p *Pool) Watch(ctx context.Context, interval, timeout time.Duration) <-chan bool {
	ch := make(chan bool)
	go func() {
		defer close(ch)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		var prev *bool
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			probeCtx, cancel := context.WithTimeout(ctx, timeout)
			ok := p.HealthCheck(probeCtx)
			cancel()
			if ctx.Err() != nil {
				return
			}
			if prev != nil && *prev == ok {
				continue
			}
			p.logger.Info("pool health changed", zap.Bool("serving", ok))
			select {
			case ch <- ok:
				prev = &ok
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

// Pids returns the process ids of the workers.
func (p *Pool) Pids() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	pids := make([]int, len(p.workers))
	for i, w := range p.workers {
		pids[i] = w.pid()
	}
	return pids
}

func (p *Pool) isClosed() bool {
	select {
	case <-p.closedCh:
		return true
	default:
		return false
	}
}

// Close stops accepting tasks, closes every worker's stdin and waits for the
// workers to exit, killing those that outlive ShutdownTimeout. Tasks still
// running on a killed worker fail with ErrPoolClosed.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closing {
		p.mu.Unlock()
		return nil
	}
	p.closing = true
	close(p.closedCh)
	workers := p.workers
	p.mu.Unlock()

	for _, w := range workers {
		_ = w.stdin.Close()
	}
	timer := time.NewTimer(p.cfg.ShutdownTimeout)
	defer timer.Stop()
	expired := false
	for _, w := range workers {
		select {
		case <-w.exited:
			continue
		default:
		}
		if !expired {
			select {
			case <-w.exited:
				continue
			case <-timer.C:
				expired = true
			}
		}
		p.logger.Warn("worker did not exit, killing", zap.Int("pid", w.pid()))
		_ = w.cmd.Process.Kill()
		<-w.exited
	}
	p.wg.Wait()
	metrics.PoolWorkers.Set(0)
	p.logger.Info("worker pool closed")
	return nil
}
