package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/user/agentmem/internal/memorygen"
	"github.com/user/agentmem/internal/retry"
	"github.com/user/agentmem/internal/sessionlog"
	"github.com/user/agentmem/internal/types"
)

// Processor runs memory generation for a finished session.
type Processor interface {
	ProcessSessionCompletion(ctx context.Context, sessionID types.SessionID, namespace string) (*memorygen.Report, error)
}

// Gateway turns agent lifecycle hooks into session log writes and schedules
// memory generation jobs when sessions end.
type Gateway struct {
	log       *sessionlog.Log
	processor Processor
	Queue     *Queue
	retry     *retry.Policy
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Gateway wired to the session log and pipeline with the given
// concurrency limit for simultaneous pipeline jobs.
func New(log *sessionlog.Log, processor Processor, maxConcurrent ...int64) *Gateway {
	var concurrency int64 = 2
	if len(maxConcurrent) > 0 && maxConcurrent[0] > 0 {
		concurrency = maxConcurrent[0]
	}
	g := &Gateway{
		log:       log,
		processor: processor,
		Queue:     NewQueue(concurrency),
		retry:     retry.Default(),
		logger:    slog.Default().With("component", "gateway"),
	}
	g.Queue.SetProcessor(g.processJob)
	return g
}

// SetRetryPolicy replaces the policy used for failing jobs.
func (g *Gateway) SetRetryPolicy(p *retry.Policy) {
	g.retry = p
}

// Start initialises the gateway's context and starts the internal queue.
func (g *Gateway) Start(ctx context.Context) {
	g.ctx, g.cancel = context.WithCancel(ctx)
	g.Queue.Start(g.ctx)
}

// Stop cancels the gateway context and waits for running jobs to return.
func (g *Gateway) Stop() {
	if g.cancel != nil {
		g.cancel()
	}
	g.Queue.Stop()
}

// Log returns the session log the hooks write to.
func (g *Gateway) Log() *sessionlog.Log {
	return g.log
}

// SessionStart handles the session-start hook.
func (g *Gateway) SessionStart(ctx context.Context, p sessionlog.CreateParams) (*types.Session, error) {
	return g.log.CreateSession(ctx, p)
}

// ToolCall describes one tool invocation reported by an agent.
type ToolCall struct {
	Tool   string          `json:"tool"`
	Input  json.RawMessage `json:"input,omitempty"`
	Output string          `json:"output,omitempty"`
	Status string          `json:"status,omitempty"`
	Role   string          `json:"role,omitempty"`
}

// LogToolCall handles the log-tool-call hook. A tool_result event follows
// the tool_call event when the call carries output.
func (g *Gateway) LogToolCall(ctx context.Context, id types.SessionID, call ToolCall) ([]*types.Event, error) {
	if call.Tool == "" {
		return nil, fmt.Errorf("%w: tool is required", types.ErrInvalidInput)
	}
	if call.Status == "" {
		call.Status = "ok"
	}
	role := call.Role
	if role == "" {
		role = "assistant"
	}

	payload, err := json.Marshal(map[string]any{
		"tool":   call.Tool,
		"input":  rawOrNull(call.Input),
		"status": call.Status,
	})
	if err != nil {
		return nil, fmt.Errorf("encode tool call: %w", err)
	}
	callEv, err := g.log.AppendEvent(ctx, id, types.EventToolCall, role, call.Tool, payload)
	if err != nil {
		return nil, err
	}
	out := []*types.Event{callEv}
	if call.Output == "" {
		return out, nil
	}

	resPayload, err := json.Marshal(map[string]any{
		"tool":    call.Tool,
		"call_id": callEv.ID,
		"status":  call.Status,
	})
	if err != nil {
		return out, fmt.Errorf("encode tool result: %w", err)
	}
	resEv, err := g.log.AppendEvent(ctx, id, types.EventToolResult, "tool", call.Output, resPayload)
	if err != nil {
		return out, err
	}
	return append(out, resEv), nil
}

// RecordEvent appends an arbitrary event, used for message hooks.
func (g *Gateway) RecordEvent(ctx context.Context, id types.SessionID, typ types.EventType, role, content string, payload json.RawMessage) (*types.Event, error) {
	return g.log.AppendEvent(ctx, id, typ, role, content, payload)
}

// GatePassed handles the validation-gate-passed hook.
func (g *Gateway) GatePassed(ctx context.Context, id types.SessionID, gate int, details string) (*types.Event, error) {
	ev, err := g.log.MarkGatePassed(ctx, id, gate, details)
	if err != nil {
		return nil, err
	}
	g.logger.Info("validation gate passed", "session_id", string(id), "gate", gate)
	return ev, nil
}

// SessionEnd handles the session-end hook: the session is ended and a
// pipeline job is queued for it. Ending twice returns ErrAlreadyEnded and
// queues nothing.
func (g *Gateway) SessionEnd(ctx context.Context, id types.SessionID) (*Job, error) {
	if err := g.log.EndSession(ctx, id); err != nil {
		return nil, err
	}
	sess, err := g.log.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	return g.EnqueueProcessing(id, sess.Namespace)
}

// JobOption configures optional behavior on a Job.
type JobOption func(*Job)

// WithOnComplete sets a callback invoked when the job finishes.
func WithOnComplete(fn func(*Job)) JobOption {
	return func(j *Job) { j.OnComplete = fn }
}

// EnqueueProcessing queues a pipeline job for the session.
func (g *Gateway) EnqueueProcessing(id types.SessionID, namespace string, opts ...JobOption) (*Job, error) {
	job := NewJob(id, namespace)
	for _, opt := range opts {
		opt(job)
	}
	if err := g.Queue.Enqueue(job); err != nil {
		return nil, fmt.Errorf("enqueue pipeline job: %w", err)
	}
	return job, nil
}

func (g *Gateway) processJob(ctx context.Context, job *Job) error {
	if g.processor == nil {
		return fmt.Errorf("no pipeline configured")
	}
	return g.retry.Do(ctx, func() error {
		job.Attempts++
		report, err := g.processor.ProcessSessionCompletion(ctx, job.SessionID, job.Namespace)
		if err != nil {
			g.logger.Warn("pipeline attempt failed", "session_id", string(job.SessionID), "attempt", job.Attempts, "error", err)
			return err
		}
		g.logger.Info("pipeline complete",
			"session_id", string(job.SessionID),
			"events", report.EventsProcessed,
			"created", report.Created,
			"updated", report.Updated,
			"skipped", report.Skipped,
		)
		return nil
	})
}

func rawOrNull(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 || !json.Valid(raw) {
		return json.RawMessage("null")
	}
	return raw
}
