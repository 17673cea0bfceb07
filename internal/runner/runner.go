// Package runner executes queued agent turns: it leases tasks from the
// work queue, resolves the target instance, drives the agent workflow
// with a task emitter, and writes results back to the task and thread.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/redis-field-engineering/redis-sre-agent/internal/agent"
	"github.com/redis-field-engineering/redis-sre-agent/internal/emitter"
	"github.com/redis-field-engineering/redis-sre-agent/internal/instances"
	"github.com/redis-field-engineering/redis-sre-agent/internal/llm"
	"github.com/redis-field-engineering/redis-sre-agent/internal/metrics"
	"github.com/redis-field-engineering/redis-sre-agent/internal/qa"
	"github.com/redis-field-engineering/redis-sre-agent/internal/streaming"
	"github.com/redis-field-engineering/redis-sre-agent/internal/task"
	"github.com/redis-field-engineering/redis-sre-agent/internal/thread"
)

const leaseBlock = 2 * time.Second

// Runner is one worker process's task-execution loop.
type Runner struct {
	queue       *task.Queue
	tasks       *task.Store
	threads     *thread.Store
	registry    *instances.Registry
	engine      *agent.Engine
	publisher   *streaming.Publisher
	recorder    *qa.Recorder
	concurrency int
	logger      *zap.Logger
}

func New(queue *task.Queue, tasks *task.Store, threads *thread.Store, registry *instances.Registry, engine *agent.Engine, publisher *streaming.Publisher, recorder *qa.Recorder, concurrency int, logger *zap.Logger) *Runner {
	if concurrency <= 0 {
		concurrency = 2
	}
	return &Runner{
		queue:       queue,
		tasks:       tasks,
		threads:     threads,
		registry:    registry,
		engine:      engine,
		publisher:   publisher,
		recorder:    recorder,
		concurrency: concurrency,
		logger:      logger,
	}
}

// Run spawns the worker goroutines and blocks until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	if err := r.queue.EnsureGroup(ctx); err != nil {
		return err
	}
	// Consumer names must be unique across worker processes sharing the
	// group, or redelivery would hand one process's pending entries to
	// another process that is still alive.
	instance := uuid.NewString()[:8]
	var wg sync.WaitGroup
	for i := 0; i < r.concurrency; i++ {
		wg.Add(1)
		consumer := fmt.Sprintf("runner-%s-%d", instance, i)
		go func() {
			defer wg.Done()
			r.loop(ctx, consumer)
		}()
	}
	wg.Wait()
	return nil
}

func (r *Runner) loop(ctx context.Context, consumer string) {
	for {
		if ctx.Err() != nil {
			return
		}
		lease, err := r.queue.Next(ctx, consumer, leaseBlock)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.logger.Warn("Lease failed", zap.String("consumer", consumer), zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if lease == nil {
			continue
		}
		r.ProcessLease(ctx, lease)
	}
}

// ProcessLease runs one leased task end to end and acks it. Replays of
// an already-terminal task (redelivery after a crash between terminal
// write and ack) are acked without re-running.
func (r *Runner) ProcessLease(ctx context.Context, lease *task.Lease) {
	state, err := r.tasks.Get(ctx, lease.TaskID)
	if err != nil {
		if errors.Is(err, task.ErrTaskNotFound) {
			// task family expired under the queue entry
			_ = r.queue.Ack(ctx, lease.MessageID)
			return
		}
		r.logger.Error("Task load failed", zap.String("task_id", lease.TaskID), zap.Error(err))
		return
	}
	if task.Terminal(state.Status) {
		_ = r.queue.Ack(ctx, lease.MessageID)
		return
	}

	start := time.Now()
	r.executeTask(ctx, state)
	metrics.TaskDuration.Observe(time.Since(start).Seconds())

	if err := r.queue.Ack(ctx, lease.MessageID); err != nil {
		r.logger.Warn("Ack failed", zap.String("task_id", lease.TaskID), zap.Error(err))
	}
}

func (r *Runner) executeTask(ctx context.Context, state *task.State) {
	taskID, threadID := state.ID, state.ThreadID
	logger := r.logger.With(zap.String("task_id", taskID), zap.String("thread_id", threadID))

	if err := r.tasks.UpdateStatus(ctx, taskID, task.StatusInProgress); err != nil {
		logger.Error("Status transition failed", zap.Error(err))
		return
	}

	emit := emitter.NewTaskEmitter(r.tasks, r.publisher, taskID, threadID, r.logger)
	emit.Emit(ctx, "Agent run starting", task.UpdateAgentStart, nil)

	th, err := r.threads.Get(ctx, threadID)
	if err != nil {
		r.fail(ctx, emit, taskID, fmt.Sprintf("load thread: %v", err), logger)
		return
	}
	userMessage := lastUserContent(th)

	runOpts, agentState, cleanup := r.prepareRun(ctx, th, state.InstanceID, emit, logger)
	defer cleanup()
	agentState.SessionID = th.Metadata.SessionID
	agentState.UserID = th.Metadata.UserID
	runOpts.Emit = func(message, updateType string, metadata map[string]interface{}) {
		emit.Emit(ctx, message, updateType, metadata)
	}

	if r.cancelled(ctx, taskID) {
		logger.Info("Task cancelled before workflow start")
		return
	}

	result, err := r.engine.Run(ctx, agentState, runOpts)
	if err != nil {
		r.fail(ctx, emit, taskID, err.Error(), logger)
		return
	}

	if r.cancelled(ctx, taskID) {
		logger.Info("Task cancelled during workflow, dropping result")
		return
	}

	// save resolved instance context back into the thread (merge)
	if agentState.InstanceContext != nil && agentState.InstanceContext.InstanceID != "" {
		err = r.threads.UpdateContext(ctx, threadID, map[string]interface{}{
			thread.CtxInstanceID:   agentState.InstanceContext.InstanceID,
			thread.CtxInstanceName: agentState.InstanceContext.Name,
		}, true)
		if err != nil {
			logger.Warn("Instance context save-back failed", zap.Error(err))
		}
	}

	taskResult := map[string]interface{}{
		"response":     result.Response,
		"out_of_scope": result.OutOfScope,
	}
	if len(result.Citations) > 0 {
		taskResult["citations"] = result.Citations
	}
	if result.Corrected {
		taskResult["edits_applied"] = result.Edits
	}
	if err := r.tasks.SetResult(ctx, taskID, taskResult); err != nil {
		r.fail(ctx, emit, taskID, fmt.Sprintf("write result: %v", err), logger)
		return
	}

	err = r.threads.AppendMessages(ctx, threadID, []thread.Message{{
		Role: thread.RoleAssistant, Content: result.Response,
	}})
	if err != nil {
		logger.Warn("Assistant message append failed", zap.Error(err))
	}

	if !result.OutOfScope && result.Response != "" {
		_, qerr := r.recorder.Record(ctx, userMessage, result.Response, result.Citations,
			th.Metadata.UserID, threadID, taskID)
		if qerr != nil {
			logger.Warn("Q&A record failed", zap.Error(qerr))
		}
	}

	if th.Metadata.Subject == "" && userMessage != "" {
		if _, serr := r.threads.GenerateSubject(ctx, threadID, userMessage); serr != nil {
			logger.Warn("Subject generation failed", zap.Error(serr))
		}
	}

	emit.Emit(ctx, "Agent run complete", task.UpdateAgentComplete, nil)
	if err := r.tasks.UpdateStatus(ctx, taskID, task.StatusDone); err != nil {
		logger.Warn("Done transition failed", zap.Error(err))
	}
	logger.Info("Task complete")
}

// prepareRun resolves the target instance and builds the agent state.
// Precedence: the task's explicit instance_id, then the thread-saved
// one, then connection details extracted from the message body
// (registered as a transient instance). Nothing resolved takes the
// knowledge-only branch.
func (r *Runner) prepareRun(ctx context.Context, th *thread.Thread, explicitInstanceID string, emit *emitter.TaskEmitter, logger *zap.Logger) (agent.RunOptions, *agent.State, func()) {
	opts := agent.RunOptions{}
	state := &agent.State{Messages: toLLMMessages(th.Messages)}
	cleanup := func() {}

	if path, ok := th.Context[thread.CtxSupportPackagePath].(string); ok && path != "" {
		opts.SupportPackagePath = path
	}

	instanceID := explicitInstanceID
	if instanceID == "" {
		instanceID, _ = th.Context[thread.CtxInstanceID].(string)
	}
	if instanceID == "" {
		if rawURL, found := instances.ExtractConnection(lastUserContent(th)); found {
			inst, cerr := r.registry.Create(ctx, instances.CreateParams{
				Name:          "extracted-" + th.ID,
				ConnectionURL: rawURL,
				Notes:         "extracted from message",
				Transient:     true,
			})
			if cerr != nil {
				logger.Warn("Transient instance registration failed", zap.Error(cerr))
				emit.Emit(ctx, "Could not register instance from message", task.UpdateInstanceError, nil)
			} else {
				instanceID = inst.ID
				emit.Emit(ctx, "Registered instance from message details", task.UpdateInstanceCreated,
					map[string]interface{}{"instance_id": inst.ID, "url": inst.MaskedURL})
			}
		}
	}

	if instanceID != "" {
		inst, gerr := r.registry.Get(ctx, instanceID)
		if gerr != nil {
			logger.Warn("Instance lookup failed, continuing knowledge-only",
				zap.String("instance_id", instanceID), zap.Error(gerr))
			emit.Emit(ctx, "Target instance unavailable", task.UpdateInstanceError,
				map[string]interface{}{"instance_id": instanceID})
			return opts, state, cleanup
		}
		state.InstanceContext = &agent.InstanceContext{
			InstanceID:   inst.ID,
			Name:         inst.Name,
			InstanceType: inst.InstanceType,
			Environment:  inst.Environment,
			Usage:        inst.Usage,
			MaskedURL:    inst.MaskedURL,
		}
		emit.Emit(ctx, fmt.Sprintf("Using instance %s", inst.Name), task.UpdateInstanceContext,
			map[string]interface{}{"instance_id": inst.ID, "url": inst.MaskedURL})

		client, cerr := r.registry.Client(ctx, instanceID)
		if cerr != nil {
			logger.Warn("Instance connection failed, continuing knowledge-only", zap.Error(cerr))
			emit.Emit(ctx, "Could not connect to target instance", task.UpdateInstanceError, nil)
			return opts, state, cleanup
		}
		opts.InstanceClient = client
		cleanup = func() { _ = client.Close() }
	}
	return opts, state, cleanup
}

func (r *Runner) cancelled(ctx context.Context, taskID string) bool {
	state, err := r.tasks.Get(ctx, taskID)
	if err != nil {
		return false
	}
	return state.Status == task.StatusCancelled
}

func (r *Runner) fail(ctx context.Context, emit *emitter.TaskEmitter, taskID, message string, logger *zap.Logger) {
	emit.Emit(ctx, message, task.UpdateAgentError, nil)
	if err := r.tasks.SetError(ctx, taskID, message); err != nil {
		logger.Error("Error write failed", zap.Error(err))
	}
	logger.Warn("Task failed", zap.String("error", message))
}

func lastUserContent(th *thread.Thread) string {
	for i := len(th.Messages) - 1; i >= 0; i-- {
		if th.Messages[i].Role == thread.RoleUser {
			return th.Messages[i].Content
		}
	}
	return ""
}

func toLLMMessages(msgs []thread.Message) []llm.Message {
	out := make([]llm.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, llm.Message{Role: m.Role, Content: m.Content})
	}
	return out
}
