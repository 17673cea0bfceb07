// Package emitter provides the progress-sink abstraction the agent
// workflow reports through. Emitters never raise into the agent: every
// implementation swallows and logs its own failures so a broken sink
// cannot abort a turn.
package emitter

import (
	"context"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/redis-field-engineering/redis-sre-agent/internal/task"
)

// Emitter accepts (message, type, metadata) progress events.
type Emitter interface {
	Emit(ctx context.Context, message, updateType string, metadata map[string]interface{})
}

// Publisher pushes one event onto a task's live stream. Satisfied by
// the streaming package; declared here so emitters stay decoupled from
// the stream wire format.
type Publisher interface {
	Publish(ctx context.Context, taskID, threadID, updateType, message string, extras map[string]interface{}) error
}

// TaskEmitter appends durable updates to the task record and, when a
// publisher is attached, mirrors each event onto the task's stream for
// live subscribers.
type TaskEmitter struct {
	store     *task.Store
	publisher Publisher
	taskID    string
	threadID  string
	logger    *zap.Logger
}

func NewTaskEmitter(store *task.Store, publisher Publisher, taskID, threadID string, logger *zap.Logger) *TaskEmitter {
	return &TaskEmitter{store: store, publisher: publisher, taskID: taskID, threadID: threadID, logger: logger}
}

// ForTask is the convenience constructor: it resolves the thread id
// from the task record so callers holding only a task id can emit.
func ForTask(ctx context.Context, store *task.Store, publisher Publisher, taskID string, logger *zap.Logger) (*TaskEmitter, error) {
	state, err := store.Get(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("resolve task for emitter: %w", err)
	}
	return NewTaskEmitter(store, publisher, taskID, state.ThreadID, logger), nil
}

func (e *TaskEmitter) Emit(ctx context.Context, message, updateType string, metadata map[string]interface{}) {
	if err := e.store.AddUpdate(ctx, e.taskID, message, updateType, metadata); err != nil {
		e.logger.Warn("Task emitter append failed",
			zap.String("task_id", e.taskID),
			zap.String("update_type", updateType),
			zap.Error(err),
		)
	}
	if e.publisher != nil {
		if err := e.publisher.Publish(ctx, e.taskID, e.threadID, updateType, message, metadata); err != nil {
			e.logger.Warn("Task emitter stream publish failed",
				zap.String("task_id", e.taskID),
				zap.Error(err),
			)
		}
	}
}

// CLIEmitter renders progress to stderr with a glyph and color per
// update type, for interactive runs.
type CLIEmitter struct {
	mu sync.Mutex
}

func NewCLIEmitter() *CLIEmitter { return &CLIEmitter{} }

const (
	ansiReset  = "\x1b[0m"
	ansiDim    = "\x1b[2m"
	ansiRed    = "\x1b[31m"
	ansiGreen  = "\x1b[32m"
	ansiYellow = "\x1b[33m"
	ansiBlue   = "\x1b[34m"
	ansiCyan   = "\x1b[36m"
)

func cliStyle(updateType string) (glyph, color string) {
	switch updateType {
	case task.UpdateAgentStart, task.UpdateTaskStart:
		return "▶", ansiBlue
	case task.UpdateAgentComplete:
		return "✔", ansiGreen
	case task.UpdateToolCall:
		return "⚙", ansiCyan
	case task.UpdateKnowledge:
		return "📚", ansiCyan
	case task.UpdateAgentReflection, task.UpdateAgentProcessing:
		return "…", ansiDim
	case task.UpdateInstanceContext, task.UpdateInstanceCreated:
		return "⛁", ansiBlue
	case task.UpdateError, task.UpdateAgentError, task.UpdateInstanceError:
		return "✖", ansiRed
	case task.UpdateCancellation:
		return "■", ansiYellow
	default:
		return "•", ansiDim
	}
}

func (e *CLIEmitter) Emit(_ context.Context, message, updateType string, _ map[string]interface{}) {
	glyph, color := cliStyle(updateType)
	e.mu.Lock()
	fmt.Fprintf(os.Stderr, "%s%s %s%s\n", color, glyph, message, ansiReset)
	e.mu.Unlock()
}

// LoggingEmitter routes events into the structured log.
type LoggingEmitter struct {
	logger *zap.Logger
}

func NewLoggingEmitter(logger *zap.Logger) *LoggingEmitter {
	return &LoggingEmitter{logger: logger}
}

func (e *LoggingEmitter) Emit(_ context.Context, message, updateType string, metadata map[string]interface{}) {
	e.logger.Info("Agent progress",
		zap.String("update_type", updateType),
		zap.String("message", message),
		zap.Any("metadata", metadata),
	)
}

// CallbackEmitter adapts an arbitrary function. The callback's error is
// logged, never propagated.
type CallbackEmitter struct {
	fn     func(ctx context.Context, message, updateType string, metadata map[string]interface{}) error
	logger *zap.Logger
}

func NewCallbackEmitter(fn func(ctx context.Context, message, updateType string, metadata map[string]interface{}) error, logger *zap.Logger) *CallbackEmitter {
	return &CallbackEmitter{fn: fn, logger: logger}
}

func (e *CallbackEmitter) Emit(ctx context.Context, message, updateType string, metadata map[string]interface{}) {
	if e.fn == nil {
		return
	}
	if err := e.fn(ctx, message, updateType, metadata); err != nil {
		e.logger.Warn("Callback emitter failed", zap.Error(err))
	}
}

// MCPEmitter adapts progress events to a host-protocol progress
// channel: each event bumps a counter and forwards the running count
// with the message through the notify sink. A nil sink just counts.
type MCPEmitter struct {
	mu     sync.Mutex
	count  int
	notify func(n int, message string)
}

func NewMCPEmitter(notify func(n int, message string)) *MCPEmitter {
	return &MCPEmitter{notify: notify}
}

func (e *MCPEmitter) Emit(_ context.Context, message, _ string, _ map[string]interface{}) {
	e.mu.Lock()
	e.count++
	n := e.count
	e.mu.Unlock()
	if e.notify != nil {
		e.notify(n, message)
	}
}

// Count returns the number of events observed so far.
func (e *MCPEmitter) Count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.count
}

// NullEmitter discards everything.
type NullEmitter struct{}

func NewNullEmitter() *NullEmitter { return &NullEmitter{} }

func (*NullEmitter) Emit(context.Context, string, string, map[string]interface{}) {}

// CompositeEmitter fans one event out to several sinks concurrently.
// Fan-out is bounded by the sink count and a slow sink delays only its
// own event, not its siblings.
type CompositeEmitter struct {
	emitters []Emitter
}

func NewCompositeEmitter(emitters ...Emitter) *CompositeEmitter {
	return &CompositeEmitter{emitters: emitters}
}

func (e *CompositeEmitter) Emit(ctx context.Context, message, updateType string, metadata map[string]interface{}) {
	g, gctx := errgroup.WithContext(ctx)
	for _, sink := range e.emitters {
		sink := sink
		g.Go(func() error {
			sink.Emit(gctx, message, updateType, metadata)
			return nil
		})
	}
	_ = g.Wait()
}

// Options describes the execution context the factory selects from.
type Options struct {
	TaskID    string
	ThreadID  string
	CLI       bool
	Store     *task.Store
	Publisher Publisher
	Logger    *zap.Logger
}

// FromContext picks the emitter matching the execution context: a task
// context gets a TaskEmitter, an interactive run gets a CLIEmitter,
// both get a composite, neither gets the null sink.
func FromContext(opts Options) Emitter {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	var sinks []Emitter
	if opts.TaskID != "" && opts.Store != nil {
		sinks = append(sinks, NewTaskEmitter(opts.Store, opts.Publisher, opts.TaskID, opts.ThreadID, logger))
	}
	if opts.CLI {
		sinks = append(sinks, NewCLIEmitter())
	}
	switch len(sinks) {
	case 0:
		return NewNullEmitter()
	case 1:
		return sinks[0]
	default:
		return NewCompositeEmitter(sinks...)
	}
}
