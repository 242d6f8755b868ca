package execution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"relay/internal/upstream"
	"relay/internal/workflow"
)

// State of the single in-flight execution.
type State string

const (
	StateIdle        State = "idle"
	StateQueued      State = "queued"
	StateRunning     State = "running"
	StateCompleted   State = "completed"
	StateErrored     State = "errored"
	StateInterrupted State = "interrupted"
)

var (
	ErrAlreadyRunning   = errors.New("execution: a workflow is already running")
	ErrExecutionFailed  = errors.New("execution: workflow failed")
	ErrExecutionTimeout = errors.New("execution: workflow timed out")
)

// Engine is the slice of the upstream connector the coordinator needs.
type Engine interface {
	Submit(ctx context.Context, graph workflow.Graph) (string, error)
	OutputImage(ctx context.Context, promptID string) (filename string, url string, err error)
	ViewURL(filename, subfolder, imgType string) string
}

// Result is what a blocked caller gets back when execution reaches a
// terminal state.
type Result struct {
	State         State
	PromptID      string
	ImageFilename string
	ImageURL      string
	Message       string
}

const (
	historyAttempts = 5
	historyDelay    = time.Second
	historyTimeout  = 10 * time.Second
)

// Coordinator turns the engine's asynchronous event stream into a
// synchronous wait-for-completion contract. It owns the one piece of global
// mutable state in the system: every transition funnels through its mutex,
// and the pending caller is released through a one-shot result channel
// resolved exactly once from the event path.
type Coordinator struct {
	mu       sync.Mutex
	state    State
	promptID string
	filename string
	imageURL string
	waiter   chan Result

	engine   Engine
	saveNode string
	logger   zerolog.Logger
}

func NewCoordinator(engine Engine, saveNode string, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		state:    StateIdle,
		engine:   engine,
		saveNode: saveNode,
		logger:   logger,
	}
}

// Status returns the current execution state and prompt id.
func (c *Coordinator) Status() (State, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, c.promptID
}

// InFlight reports whether a job is currently queued or running.
func (c *Coordinator) InFlight() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inFlightLocked()
}

func (c *Coordinator) inFlightLocked() bool {
	return c.state == StateQueued || c.state == StateRunning
}

// SubmitAndWait submits a graph snapshot and blocks until execution reaches
// a terminal state or the timeout elapses. Exactly one call may be
// outstanding; concurrent callers fail fast with ErrAlreadyRunning.
// Submitting from a terminal state re-arms the machine.
func (c *Coordinator) SubmitAndWait(ctx context.Context, graph workflow.Graph, timeout time.Duration) (Result, error) {
	c.mu.Lock()
	if c.inFlightLocked() {
		c.mu.Unlock()
		return Result{}, ErrAlreadyRunning
	}
	c.state = StateQueued
	c.promptID = ""
	c.filename = ""
	c.imageURL = ""
	waiter := make(chan Result, 1)
	c.waiter = waiter
	c.mu.Unlock()

	promptID, err := c.engine.Submit(ctx, graph)
	if err != nil {
		c.mu.Lock()
		c.state = StateErrored
		c.waiter = nil
		c.mu.Unlock()
		return Result{}, fmt.Errorf("%w: %w", ErrExecutionFailed, err)
	}

	c.mu.Lock()
	c.promptID = promptID
	c.mu.Unlock()
	c.logger.Info().Str("promptId", promptID).Msg("Waiting for execution events")

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-waiter:
		switch res.State {
		case StateErrored:
			return res, fmt.Errorf("%w: %s", ErrExecutionFailed, res.Message)
		case StateCompleted:
			if res.ImageFilename == "" && res.PromptID != "" {
				res.ImageFilename, res.ImageURL = c.lookupOutput(ctx, res.PromptID)
			}
			return res, nil
		default:
			return res, nil
		}

	case <-timer.C:
		c.detachWaiter(waiter)
		return Result{}, fmt.Errorf("%w: no terminal event within %s", ErrExecutionTimeout, timeout)

	case <-ctx.Done():
		c.detachWaiter(waiter)
		return Result{}, ctx.Err()
	}
}

// detachWaiter abandons a pending waiter so a late terminal event cannot
// block the event path. The state machine itself keeps following events.
func (c *Coordinator) detachWaiter(waiter chan Result) {
	c.mu.Lock()
	if c.waiter == waiter {
		c.waiter = nil
	}
	c.mu.Unlock()
}

// HandleEvent applies one engine event to the state machine. Called from the
// upstream read loop only.
func (c *Coordinator) HandleEvent(env upstream.Envelope) {
	switch env.Type {
	case upstream.EventExecutionStart:
		c.mu.Lock()
		if c.state == StateQueued {
			c.state = StateRunning
		}
		c.mu.Unlock()

	case upstream.EventProgress:
		var progress upstream.ProgressData
		if err := json.Unmarshal(env.Data, &progress); err == nil && progress.Max > 0 {
			c.logger.Debug().
				Int("value", progress.Value).
				Int("max", progress.Max).
				Msg("Execution progress")
		}

	case upstream.EventExecuting:
		var executing upstream.ExecutingData
		if err := json.Unmarshal(env.Data, &executing); err == nil && executing.Node != nil {
			c.logger.Debug().Str("node", *executing.Node).Msg("Executing node")
		}

	case upstream.EventExecuted:
		c.handleExecuted(env.Data)

	case upstream.EventExecutionSuccess, upstream.EventExecutionComplete:
		c.resolve(StateCompleted, "")

	case upstream.EventExecutionError:
		var errData upstream.ExecutionErrorData
		message := "unknown error"
		if err := json.Unmarshal(env.Data, &errData); err == nil && errData.ExceptionMessage != "" {
			message = errData.ExceptionMessage
		}
		c.logger.Error().Str("error", message).Msg("Execution error event")
		c.resolve(StateErrored, message)

	case upstream.EventExecutionInterrupted:
		c.logger.Info().Msg("Execution interrupted by engine")
		c.resolve(StateInterrupted, "")
	}
}

// HandleDisconnect marks an in-flight job as errored when the engine socket
// drops. With nothing in flight the state is left alone.
func (c *Coordinator) HandleDisconnect() {
	c.mu.Lock()
	inFlight := c.inFlightLocked()
	c.mu.Unlock()
	if inFlight {
		c.resolve(StateErrored, "upstream connection closed")
	}
}

// handleExecuted captures the output filename from the save-image node's
// executed event so the waiter can be handed a resolved image without a
// history round trip.
func (c *Coordinator) handleExecuted(data json.RawMessage) {
	var executed upstream.ExecutedData
	if err := json.Unmarshal(data, &executed); err != nil {
		return
	}

	filename, subfolder := "", ""
	for _, img := range executed.Output.Images {
		if img.Type == "output" {
			filename, subfolder = img.Filename, img.Subfolder
			break
		}
	}
	if filename == "" && executed.Output.Filename != "" {
		filename = executed.Output.Filename
	}
	if filename == "" {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// Prefer the configured save node; keep any other node's output only as
	// a fallback when nothing was captured yet.
	if executed.Node == c.saveNode || c.filename == "" {
		c.filename = filename
		c.imageURL = c.engine.ViewURL(filename, subfolder, "output")
		c.logger.Info().
			Str("node", executed.Node).
			Str("filename", filename).
			Msg("Output image reported")
	}
}

// resolve moves the machine to a terminal state and releases the waiter,
// exactly once per submission. It runs on the upstream read path and must
// never block, or event relay to every downstream client stalls with it.
func (c *Coordinator) resolve(terminal State, message string) {
	c.mu.Lock()
	if !c.inFlightLocked() {
		c.mu.Unlock()
		return
	}
	c.state = terminal
	res := Result{
		State:         terminal,
		PromptID:      c.promptID,
		ImageFilename: c.filename,
		ImageURL:      c.imageURL,
		Message:       message,
	}
	waiter := c.waiter
	c.waiter = nil
	c.mu.Unlock()

	if waiter != nil {
		waiter <- res
	}
}

// lookupOutput falls back to the engine's history when the executed event
// never carried a filename. The file can lag the completion event, so the
// lookup retries briefly. Runs on the waiting caller's goroutine, never on
// the event path.
func (c *Coordinator) lookupOutput(ctx context.Context, promptID string) (string, string) {
	for attempt := 0; attempt < historyAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(historyDelay):
			case <-ctx.Done():
				return "", ""
			}
		}
		attemptCtx, cancel := context.WithTimeout(ctx, historyTimeout)
		filename, url, err := c.engine.OutputImage(attemptCtx, promptID)
		cancel()
		if err == nil {
			return filename, url
		}
		c.logger.Warn().
			Err(err).
			Int("attempt", attempt+1).
			Msg("Output image not in history yet")
	}
	return "", ""
}
