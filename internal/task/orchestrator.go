package task

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"pausevm/internal/engine"
	"pausevm/internal/observability"
)

type ExecuteRequest struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name,omitempty"`
	Code string `json:"code"`
}

type ResumeRequest struct {
	TaskID        string          `json:"task_id"`
	VMState       json.RawMessage `json:"vm_state"`
	PausedState   json.RawMessage `json:"paused_state,omitempty"`
	OriginalCode  string          `json:"original_code,omitempty"`
	FetchResponse any             `json:"fetch_response"`
}

type ExecuteOptions struct {
	// Storage overrides the orchestrator's default store for this call.
	Storage Store
	// SkipSave keeps a paused task out of storage.
	SkipSave bool
	// TTL bounds how long a paused task stays resumable. Non-positive values
	// use Config.TTL.
	TTL time.Duration
}

type StoreOptions struct {
	Storage Store
}

type Config struct {
	Storage Store
	TTL     time.Duration
	// Now also drives expiry in the MemoryStore built when Storage is nil.
	// Caller-supplied stores keep their own clock.
	Now   func() time.Time
	NewID func() string
}

func defaultConfig() Config {
	return Config{
		TTL:   DefaultTTL,
		Now:   time.Now,
		NewID: func() string { return uuid.New().String() },
	}
}

// Orchestrator drives an engine through execute, pause and resume, and keeps
// paused tasks in a store until they reach a terminal status.
//
// Concurrent resumes of the same task id are not serialized: both load the
// same snapshot and the last Save wins.
type Orchestrator struct {
	newEngine engine.Factory
	cfg       Config

	mu      sync.RWMutex
	storage Store
}

func New(factory engine.Factory, cfg Config) *Orchestrator {
	def := defaultConfig()
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.Now == nil {
		cfg.Now = def.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = def.NewID
	}
	storage := cfg.Storage
	if storage == nil {
		mem := NewMemoryStore()
		mem.now = cfg.Now
		storage = mem
	}

	return &Orchestrator{
		newEngine: factory,
		cfg:       cfg,
		storage:   storage,
	}
}

// SetDefaultStorage replaces the store used by calls that do not pass one.
func (o *Orchestrator) SetDefaultStorage(store Store) {
	if store == nil {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.storage = store
}

func (o *Orchestrator) DefaultStorage() Store {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.storage
}

func (o *Orchestrator) storeFor(override Store) Store {
	if override != nil {
		return override
	}
	return o.DefaultStorage()
}

// Execute runs code from the start. Engine failures come back as an error
// task; the returned error is reserved for storage failures.
func (o *Orchestrator) Execute(ctx context.Context, req ExecuteRequest, opts ExecuteOptions) (*Task, error) {
	taskID := strings.TrimSpace(req.ID)
	if taskID == "" {
		taskID = o.cfg.NewID()
	}
	name := req.Name
	if name == "" {
		name = taskID
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = o.cfg.TTL
	}

	now := o.cfg.Now()
	base := Task{
		ID:        taskID,
		Name:      name,
		Code:      req.Code,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(ttl),
	}

	var (
		res    engine.Result
		paused json.RawMessage
		err    error
	)
	if strings.TrimSpace(req.Code) == "" {
		err = fmt.Errorf("code is required")
	} else {
		res, paused, err = o.runEngine(ctx, func(eng engine.Engine) (engine.Result, error) {
			return eng.ExecuteCode(ctx, req.Code)
		})
	}
	task := buildTask(base, res, paused, err)

	store := o.storeFor(opts.Storage)
	if task.Status == StatusPaused && !opts.SkipSave {
		if err := store.Save(ctx, task); err != nil {
			observability.Error("task_store_failed", map[string]any{
				"task_id": task.ID,
				"op":      "save",
				"reason":  err.Error(),
			})
			return nil, fmt.Errorf("save task %s failed: %w", task.ID, err)
		}
	}

	observability.Info("task_executed", taskFields(task))
	return &task, nil
}

// Resume continues a paused task with the caller's fetch response. An unknown
// task id yields ErrTaskNotFound; engine failures come back as an error task
// and remove the stored one.
func (o *Orchestrator) Resume(ctx context.Context, req ResumeRequest, opts StoreOptions) (*Task, error) {
	taskID := strings.TrimSpace(req.TaskID)
	if taskID == "" {
		return nil, fmt.Errorf("%w: task id is required", ErrInvalidRequest)
	}
	if len(req.VMState) == 0 {
		return nil, fmt.Errorf("%w: vm state is required", ErrInvalidRequest)
	}

	store := o.storeFor(opts.Storage)
	existing, err := store.Load(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("load task %s failed: %w", taskID, err)
	}
	if existing == nil {
		observability.Warn("task_resume_not_found", map[string]any{"task_id": taskID})
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}

	pausedState := req.PausedState
	if len(pausedState) == 0 {
		pausedState = existing.PausedState
	}
	code := existing.Code
	if req.OriginalCode != "" {
		code = req.OriginalCode
	}
	response := unwrapFetchResponse(req.FetchResponse)

	res, paused, runErr := o.runEngine(ctx, func(eng engine.Engine) (engine.Result, error) {
		eng.SetPaused(pausedState)
		return eng.ResumeExecution(ctx, req.VMState, response)
	})

	now := o.cfg.Now()
	task := buildTask(Task{
		ID:        existing.ID,
		Name:      existing.Name,
		Code:      code,
		CreatedAt: existing.CreatedAt,
		UpdatedAt: now,
		ExpiresAt: now.Add(DefaultTTL),
	}, res, paused, runErr)

	if task.Status == StatusPaused {
		err = store.Save(ctx, task)
	} else {
		err = store.Delete(ctx, task.ID)
	}
	if err != nil {
		observability.Error("task_store_failed", map[string]any{
			"task_id": task.ID,
			"status":  string(task.Status),
			"reason":  err.Error(),
		})
		return nil, fmt.Errorf("update task %s failed: %w", task.ID, err)
	}

	observability.Info("task_resumed", taskFields(task))
	return &task, nil
}

// GetTask returns (nil, nil) when the task is absent.
func (o *Orchestrator) GetTask(ctx context.Context, taskID string, opts StoreOptions) (*Task, error) {
	return o.storeFor(opts.Storage).Load(ctx, taskID)
}

func (o *Orchestrator) DeleteTask(ctx context.Context, taskID string, opts StoreOptions) error {
	return o.storeFor(opts.Storage).Delete(ctx, taskID)
}

// runEngine acquires a fresh engine, initializes it and runs step. The engine
// is disposed on every path, and panics are reported as errors.
func (o *Orchestrator) runEngine(ctx context.Context, step func(engine.Engine) (engine.Result, error)) (res engine.Result, paused json.RawMessage, err error) {
	if o.newEngine == nil {
		return engine.Result{}, nil, fmt.Errorf("engine factory is nil")
	}
	eng := o.newEngine()
	if eng == nil {
		return engine.Result{}, nil, fmt.Errorf("engine factory returned nil")
	}

	observability.Debug("engine_acquired", map[string]any{"engine": fmt.Sprintf("%T", eng)})

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("engine panic: %v", r)
		}
		if disposeErr := eng.Dispose(); disposeErr != nil {
			observability.Warn("engine_dispose_failed", map[string]any{"reason": disposeErr.Error()})
			return
		}
		observability.Debug("engine_disposed", map[string]any{"result_type": string(res.Type)})
	}()

	if err := eng.Initialize(ctx); err != nil {
		return engine.Result{}, nil, fmt.Errorf("initialize engine: %w", err)
	}
	res, err = step(eng)
	if err != nil {
		return engine.Result{}, nil, err
	}
	if res.Type == engine.ResultPause {
		paused = eng.Paused()
	}
	return res, paused, nil
}

// buildTask maps an engine outcome onto a full task snapshot.
func buildTask(base Task, res engine.Result, paused json.RawMessage, runErr error) Task {
	task := base
	if runErr != nil {
		observability.Warn("engine_failed", map[string]any{
			"task_id": task.ID,
			"reason":  runErr.Error(),
		})
		return failed(task, runErr.Error())
	}

	switch res.Type {
	case engine.ResultPause:
		task.Status = StatusPaused
		task.VMState = res.State
		task.PausedState = paused
		task.FetchRequest = res.FetchRequest
		if err := task.Validate(); err != nil {
			observability.Warn("engine_failed", map[string]any{
				"task_id": task.ID,
				"reason":  err.Error(),
			})
			return failed(base, err.Error())
		}
	case engine.ResultComplete:
		task.Status = StatusCompleted
		task.Result = res.Result
	default:
		msg := strings.TrimSpace(res.Error)
		if msg == "" {
			msg = fmt.Sprintf("engine returned %q result", res.Type)
		}
		return failed(task, msg)
	}
	return task
}

func failed(base Task, msg string) Task {
	task := base
	task.Status = StatusError
	task.Error = msg
	task.Result = nil
	task.VMState = nil
	task.PausedState = nil
	task.FetchRequest = nil
	return task
}

// unwrapFetchResponse accepts either a bare value or an envelope carrying
// the value under "data".
func unwrapFetchResponse(resp any) any {
	if envelope, ok := resp.(map[string]any); ok {
		if data, ok := envelope["data"]; ok {
			return data
		}
	}
	return resp
}

func taskFields(task Task) map[string]any {
	fields := map[string]any{
		"task_id": task.ID,
		"status":  string(task.Status),
	}
	if task.FetchRequest != nil {
		fields["fetch_url"] = task.FetchRequest.URL
	}
	if task.Error != "" {
		fields["error"] = task.Error
	}
	return fields
}
