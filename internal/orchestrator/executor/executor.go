// Package executor wraps the injected model call with per-session
// conversation history, follow-up extraction, and usage accounting.
package executor

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/taskmill/taskmill/internal/common/logger"
	v1 "github.com/taskmill/taskmill/pkg/api/v1"
)

// ErrNoModel is returned when Execute is called before a model function
// has been configured.
var ErrNoModel = errors.New("executor has no model configured")

// HistoryCap bounds the per-session conversation to the most recent
// entries (10 user/assistant pairs).
const HistoryCap = 20

// Message roles in the conversation history.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one entry of a session's conversation history.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request carries one task's prompt plus the rolling session history
// into the model call.
type Request struct {
	TaskID    string
	SessionID string
	Prompt    string
	Mode      v1.TaskMode
	Model     string
	Metadata  map[string]interface{}
	History   []Message
}

// Response is the raw model output for one call.
type Response struct {
	Output     string
	TokensUsed int64
}

// FollowUp is a partial task recognized in model output. The queue is
// responsible for submitting it.
type FollowUp struct {
	SessionID   string
	Prompt      string
	Mode        v1.TaskMode
	Priority    v1.TaskPriority
	TriggeredBy string
}

// Result is the executor verdict for one attempt.
type Result struct {
	Output     string
	TokensUsed int64
	FollowUps  []FollowUp
}

// ModelFunc is the injected model call. The context carries the per-task
// deadline; implementations must return once it is done.
type ModelFunc func(ctx context.Context, req *Request) (*Response, error)

// Usage is a snapshot of the executor's running totals.
type Usage struct {
	Executions int64 `json:"executions"`
	TokensUsed int64 `json:"tokensUsed"`
}

// Executor runs prompts through the injected model while owning the
// per-session conversation state. Histories are process-local; a restart
// starts every session empty.
type Executor struct {
	logger *logger.Logger

	mu      sync.Mutex
	fn      ModelFunc
	history map[string][]Message

	executions int64
	tokens     int64
}

// New creates an executor. fn may be nil and injected later via SetModel.
func New(fn ModelFunc, log *logger.Logger) *Executor {
	return &Executor{
		logger:  log.WithFields(zap.String("component", "executor")),
		fn:      fn,
		history: make(map[string][]Message),
	}
}

// SetModel replaces the injected model function.
func (e *Executor) SetModel(fn ModelFunc) {
	e.mu.Lock()
	e.fn = fn
	e.mu.Unlock()
}

// Execute runs one attempt. The user message is appended to the session
// history before the call; the assistant message only lands after success,
// so a failed attempt retries against the same history.
func (e *Executor) Execute(ctx context.Context, req *Request) (*Result, error) {
	e.mu.Lock()
	fn := e.fn
	if fn == nil {
		e.mu.Unlock()
		return nil, ErrNoModel
	}
	e.appendLocked(req.SessionID, Message{Role: RoleUser, Content: req.Prompt})
	req.History = e.snapshotLocked(req.SessionID)
	e.mu.Unlock()

	resp, err := fn(ctx, req)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.appendLocked(req.SessionID, Message{Role: RoleAssistant, Content: resp.Output})
	e.mu.Unlock()

	atomic.AddInt64(&e.executions, 1)
	atomic.AddInt64(&e.tokens, resp.TokensUsed)

	followUps := e.followUps(req, resp.Output)
	if len(followUps) > 0 {
		e.logger.Debug("extracted follow-up tasks",
			zap.String("task_id", req.TaskID),
			zap.Int("count", len(followUps)))
	}

	return &Result{
		Output:     resp.Output,
		TokensUsed: resp.TokensUsed,
		FollowUps:  followUps,
	}, nil
}

// History returns a copy of a session's conversation.
func (e *Executor) History(sessionID string) []Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked(sessionID)
}

// ClearHistory drops a session's conversation.
func (e *Executor) ClearHistory(sessionID string) {
	e.mu.Lock()
	delete(e.history, sessionID)
	e.mu.Unlock()
}

// Reset drops every session's conversation and zeroes the usage counters.
func (e *Executor) Reset() {
	e.mu.Lock()
	e.history = make(map[string][]Message)
	e.mu.Unlock()
	atomic.StoreInt64(&e.executions, 0)
	atomic.StoreInt64(&e.tokens, 0)
}

// Usage returns the running execution and token totals.
func (e *Executor) Usage() Usage {
	return Usage{
		Executions: atomic.LoadInt64(&e.executions),
		TokensUsed: atomic.LoadInt64(&e.tokens),
	}
}

func (e *Executor) appendLocked(sessionID string, msg Message) {
	h := append(e.history[sessionID], msg)
	if len(h) > HistoryCap {
		h = h[len(h)-HistoryCap:]
	}
	e.history[sessionID] = h
}

func (e *Executor) snapshotLocked(sessionID string) []Message {
	h := e.history[sessionID]
	if len(h) == 0 {
		return nil
	}
	out := make([]Message, len(h))
	copy(out, h)
	return out
}

func (e *Executor) followUps(req *Request, output string) []FollowUp {
	var follows []FollowUp
	for _, prompt := range ExtractFollowUps(output) {
		follows = append(follows, FollowUp{
			SessionID:   req.SessionID,
			Prompt:      prompt,
			Mode:        req.Mode,
			Priority:    v1.TaskPriorityNormal,
			TriggeredBy: req.TaskID,
		})
	}
	return follows
}

// followUpPattern recognizes task suggestions in model output. Each marker
// captures up to the next newline or period.
var followUpPattern = regexp.MustCompile(`(?i)\b(?:next step|follow-up|then|create task):\s*([^\n.]+)`)

// ExtractFollowUps scans output for follow-up markers and returns every
// capture longer than five characters, trimmed.
func ExtractFollowUps(output string) []string {
	var prompts []string
	for _, match := range followUpPattern.FindAllStringSubmatch(output, -1) {
		capture := strings.TrimSpace(match[1])
		if len(capture) > 5 {
			prompts = append(prompts, capture)
		}
	}
	return prompts
}
