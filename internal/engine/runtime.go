package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/dop251/goja"
)

const defaultMaxFetches = 64

var errPaused = errors.New("script paused at fetch")

// checkpoint is the vm state handed out on a pause. Scripts have no control
// flow, so replaying the code with the recorded responses reaches the same
// fetch again.
type checkpoint struct {
	Code      string `json:"code"`
	Responses []any  `json:"responses"`
}

type pausedContext struct {
	FetchID string `json:"fetch_id"`
	Index   int    `json:"index"`
}

// Runtime is a goja-backed Engine whose only host function is fetch.
type Runtime struct {
	MaxFetches int

	vm       *goja.Runtime
	paused   json.RawMessage
	used     bool
	disposed bool
}

func NewRuntime() *Runtime {
	return &Runtime{MaxFetches: defaultMaxFetches}
}

// NewFactory returns a Factory producing runtimes limited to maxFetches
// pauses per script. Non-positive values keep the default.
func NewFactory(maxFetches int) Factory {
	return func() Engine {
		r := NewRuntime()
		if maxFetches > 0 {
			r.MaxFetches = maxFetches
		}
		return r
	}
}

func (r *Runtime) Initialize(ctx context.Context) error {
	if r == nil {
		return fmt.Errorf("runtime is nil")
	}
	if r.disposed {
		return fmt.Errorf("runtime is disposed")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	r.vm = goja.New()
	r.used = false
	return nil
}

func (r *Runtime) ExecuteCode(ctx context.Context, code string) (Result, error) {
	if strings.TrimSpace(code) == "" {
		return Result{}, fmt.Errorf("code is empty")
	}
	return r.run(ctx, checkpoint{Code: code})
}

func (r *Runtime) ResumeExecution(ctx context.Context, vmState json.RawMessage, response any) (Result, error) {
	if len(vmState) == 0 {
		return Result{}, fmt.Errorf("vm state is empty")
	}

	var cp checkpoint
	if err := json.Unmarshal(vmState, &cp); err != nil {
		return Result{}, fmt.Errorf("decode vm state: %w", err)
	}
	if strings.TrimSpace(cp.Code) == "" {
		return Result{}, fmt.Errorf("vm state carries no code")
	}

	if len(r.paused) > 0 {
		var pc pausedContext
		if err := json.Unmarshal(r.paused, &pc); err != nil {
			return Result{}, fmt.Errorf("decode paused state: %w", err)
		}
		if pc.Index != len(cp.Responses) {
			return Result{}, fmt.Errorf("paused state %s does not match vm state: index %d, recorded %d",
				pc.FetchID, pc.Index, len(cp.Responses))
		}
	}

	cp.Responses = append(cp.Responses, response)
	return r.run(ctx, cp)
}

func (r *Runtime) maxFetches() int {
	if r.MaxFetches <= 0 {
		return defaultMaxFetches
	}
	return r.MaxFetches
}

func (r *Runtime) run(ctx context.Context, cp checkpoint) (Result, error) {
	if r == nil || r.vm == nil {
		return Result{}, fmt.Errorf("runtime is not initialized")
	}
	if r.used {
		return Result{}, fmt.Errorf("runtime already ran a script")
	}
	r.used = true

	vm := r.vm
	next := 0
	var pending *FetchRequest

	// Captured before the script runs so a script cannot swap it out.
	stringify, err := jsonStringify(vm)
	if err != nil {
		return Result{}, err
	}

	fetch := func(call goja.FunctionCall) goja.Value {
		url := call.Argument(0)
		if goja.IsUndefined(url) || goja.IsNull(url) {
			panic(vm.NewTypeError("fetch requires a url"))
		}
		if next < len(cp.Responses) {
			v := cp.Responses[next]
			next++
			return vm.ToValue(v)
		}
		if next >= r.maxFetches() {
			panic(vm.NewGoError(fmt.Errorf("fetch limit of %d exceeded", r.maxFetches())))
		}
		options, err := exportOptions(stringify, call.Argument(1))
		if err != nil {
			panic(vm.NewGoError(fmt.Errorf("fetch options: %w", err)))
		}
		pending = &FetchRequest{
			ID:      fmt.Sprintf("fetch-%d", next),
			URL:     url.String(),
			Options: options,
		}
		vm.Interrupt(errPaused)
		return goja.Undefined()
	}
	if err := vm.Set("fetch", fetch); err != nil {
		return Result{}, fmt.Errorf("bind fetch: %w", err)
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			vm.Interrupt(ctx.Err())
		case <-done:
		}
	}()

	value, err := vm.RunString(cp.Code)
	if err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			if interrupted.Value() == errPaused && pending != nil {
				return r.pause(cp, pending)
			}
			if cause, ok := interrupted.Value().(error); ok {
				return Result{}, cause
			}
			return Result{}, err
		}

		var exception *goja.Exception
		if errors.As(err, &exception) {
			return Result{Type: ResultError, Error: exceptionMessage(exception)}, nil
		}
		return Result{}, err
	}

	result, err := exportValue(stringify, value)
	if err != nil {
		return Result{}, fmt.Errorf("export result: %w", err)
	}
	return Result{Type: ResultComplete, Result: result}, nil
}

func (r *Runtime) pause(cp checkpoint, pending *FetchRequest) (Result, error) {
	state, err := json.Marshal(cp)
	if err != nil {
		return Result{}, fmt.Errorf("encode vm state: %w", err)
	}
	paused, err := json.Marshal(pausedContext{FetchID: pending.ID, Index: len(cp.Responses)})
	if err != nil {
		return Result{}, fmt.Errorf("encode paused state: %w", err)
	}
	r.paused = paused

	return Result{
		Type:         ResultPause,
		State:        state,
		FetchRequest: pending,
	}, nil
}

func (r *Runtime) Paused() json.RawMessage {
	return r.paused
}

func (r *Runtime) SetPaused(state json.RawMessage) {
	r.paused = state
}

func (r *Runtime) Dispose() error {
	if r == nil {
		return nil
	}
	if r.disposed {
		return fmt.Errorf("runtime already disposed")
	}
	r.disposed = true
	r.vm = nil
	return nil
}

func jsonStringify(vm *goja.Runtime) (goja.Callable, error) {
	obj := vm.Get("JSON")
	if obj == nil || goja.IsUndefined(obj) {
		return nil, fmt.Errorf("JSON global is missing")
	}
	fn, ok := goja.AssertFunction(obj.ToObject(vm).Get("stringify"))
	if !ok {
		return nil, fmt.Errorf("JSON.stringify is not callable")
	}
	return fn, nil
}

// exportValue converts v the way JSON.stringify would: NaN and Infinity
// become null, functions and undefined are dropped. The result always
// encodes with encoding/json.
func exportValue(stringify goja.Callable, v goja.Value) (any, error) {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil, nil
	}
	encoded, err := stringify(goja.Undefined(), v)
	if err != nil {
		return nil, err
	}
	if encoded == nil || goja.IsUndefined(encoded) {
		return nil, nil
	}

	var out any
	if err := json.Unmarshal([]byte(encoded.String()), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func exportOptions(stringify goja.Callable, v goja.Value) (map[string]any, error) {
	out, err := exportValue(stringify, v)
	if err != nil {
		return nil, err
	}
	m, _ := out.(map[string]any)
	return m, nil
}

// exceptionMessage prefers the thrown Error's message over goja's
// "Error: msg at <eval>:1:7(3)" rendering.
func exceptionMessage(ex *goja.Exception) string {
	val := ex.Value()
	if obj, ok := val.(*goja.Object); ok {
		if msg := obj.Get("message"); msg != nil && !goja.IsUndefined(msg) && !goja.IsNull(msg) {
			return msg.String()
		}
	}
	if val != nil && !goja.IsUndefined(val) {
		return val.String()
	}
	return ex.Error()
}
