package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
)

func newInitializedRuntime(t *testing.T) *Runtime {
	t.Helper()

	r := NewRuntime()
	if err := r.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	t.Cleanup(func() { _ = r.Dispose() })
	return r
}

func TestRuntimeCompletesWithoutFetch(t *testing.T) {
	r := newInitializedRuntime(t)

	res, err := r.ExecuteCode(context.Background(), "const x = 5; x * 2")
	if err != nil {
		t.Fatalf("ExecuteCode failed: %v", err)
	}
	if res.Type != ResultComplete {
		t.Fatalf("expected complete, got %s", res.Type)
	}
	if got := fmt.Sprint(res.Result); got != "10" {
		t.Fatalf("unexpected result: %v", res.Result)
	}
}

func TestRuntimePausesAtFetch(t *testing.T) {
	r := newInitializedRuntime(t)

	res, err := r.ExecuteCode(context.Background(), `const u = fetch("u/1", {method: "GET"}); u.name`)
	if err != nil {
		t.Fatalf("ExecuteCode failed: %v", err)
	}
	if res.Type != ResultPause {
		t.Fatalf("expected pause, got %s (%s)", res.Type, res.Error)
	}
	if res.FetchRequest == nil || res.FetchRequest.URL != "u/1" {
		t.Fatalf("unexpected fetch request: %+v", res.FetchRequest)
	}
	if res.FetchRequest.ID != "fetch-0" {
		t.Fatalf("unexpected fetch id: %s", res.FetchRequest.ID)
	}
	if res.FetchRequest.Options["method"] != "GET" {
		t.Fatalf("unexpected fetch options: %v", res.FetchRequest.Options)
	}
	if len(res.State) == 0 {
		t.Fatalf("expected vm state on pause")
	}
	if len(r.Paused()) == 0 {
		t.Fatalf("expected paused state on pause")
	}
}

func TestRuntimeResumeSubstitutesResponse(t *testing.T) {
	first := newInitializedRuntime(t)
	paused, err := first.ExecuteCode(context.Background(), `const u = fetch("u/1"); u.name`)
	if err != nil {
		t.Fatalf("ExecuteCode failed: %v", err)
	}

	second := newInitializedRuntime(t)
	second.SetPaused(first.Paused())
	res, err := second.ResumeExecution(context.Background(), paused.State, map[string]any{"name": "Alice"})
	if err != nil {
		t.Fatalf("ResumeExecution failed: %v", err)
	}
	if res.Type != ResultComplete {
		t.Fatalf("expected complete, got %s (%s)", res.Type, res.Error)
	}
	if res.Result != "Alice" {
		t.Fatalf("unexpected result: %v", res.Result)
	}
}

func TestRuntimeResumePausesAgainAtNextFetch(t *testing.T) {
	code := `const a = fetch("a"); const b = fetch("b/" + a.id); a.id + b.id`

	first := newInitializedRuntime(t)
	res, err := first.ExecuteCode(context.Background(), code)
	if err != nil {
		t.Fatalf("ExecuteCode failed: %v", err)
	}

	second := newInitializedRuntime(t)
	second.SetPaused(first.Paused())
	res, err = second.ResumeExecution(context.Background(), res.State, map[string]any{"id": 1})
	if err != nil {
		t.Fatalf("ResumeExecution failed: %v", err)
	}
	if res.Type != ResultPause {
		t.Fatalf("expected second pause, got %s (%s)", res.Type, res.Error)
	}
	if res.FetchRequest.URL != "b/1" || res.FetchRequest.ID != "fetch-1" {
		t.Fatalf("unexpected fetch request: %+v", res.FetchRequest)
	}

	third := newInitializedRuntime(t)
	third.SetPaused(second.Paused())
	res, err = third.ResumeExecution(context.Background(), res.State, map[string]any{"id": 2})
	if err != nil {
		t.Fatalf("ResumeExecution failed: %v", err)
	}
	if res.Type != ResultComplete || fmt.Sprint(res.Result) != "3" {
		t.Fatalf("unexpected final result: %+v", res)
	}
}

func TestRuntimeReportsThrownErrorMessage(t *testing.T) {
	r := newInitializedRuntime(t)

	res, err := r.ExecuteCode(context.Background(), `throw new Error("boom")`)
	if err != nil {
		t.Fatalf("ExecuteCode failed: %v", err)
	}
	if res.Type != ResultError || res.Error != "boom" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestRuntimeRejectsMismatchedPausedState(t *testing.T) {
	first := newInitializedRuntime(t)
	res, err := first.ExecuteCode(context.Background(), `fetch("x")`)
	if err != nil {
		t.Fatalf("ExecuteCode failed: %v", err)
	}

	stale, _ := json.Marshal(pausedContext{FetchID: "fetch-3", Index: 3})
	second := newInitializedRuntime(t)
	second.SetPaused(stale)
	if _, err := second.ResumeExecution(context.Background(), res.State, 1); err == nil {
		t.Fatalf("expected mismatch error")
	}
}

func TestRuntimeFetchLimit(t *testing.T) {
	r := newInitializedRuntime(t)
	r.MaxFetches = 1

	res, err := r.ExecuteCode(context.Background(), `fetch("a")`)
	if err != nil || res.Type != ResultPause {
		t.Fatalf("expected pause, got %+v err=%v", res, err)
	}

	next := newInitializedRuntime(t)
	next.MaxFetches = 1
	res, err = next.ResumeExecution(context.Background(),
		json.RawMessage(`{"code":"fetch(\"a\"); fetch(\"b\")","responses":[]}`), 1)
	if err != nil {
		t.Fatalf("ResumeExecution failed: %v", err)
	}
	if res.Type != ResultError {
		t.Fatalf("expected error result, got %s", res.Type)
	}
}

func TestRuntimeHonorsCanceledContext(t *testing.T) {
	r := NewRuntime()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := r.Initialize(ctx); err == nil {
		t.Fatalf("expected Initialize to fail on canceled context")
	}
}

func TestRuntimeRunsOnce(t *testing.T) {
	r := newInitializedRuntime(t)

	if _, err := r.ExecuteCode(context.Background(), "1"); err != nil {
		t.Fatalf("ExecuteCode failed: %v", err)
	}
	if _, err := r.ExecuteCode(context.Background(), "2"); err == nil {
		t.Fatalf("expected second run to fail")
	}
}

func TestRuntimeDisposeTwice(t *testing.T) {
	r := NewRuntime()
	if err := r.Dispose(); err != nil {
		t.Fatalf("first Dispose failed: %v", err)
	}
	if err := r.Dispose(); err == nil {
		t.Fatalf("expected second Dispose to fail")
	}
	if err := r.Initialize(context.Background()); err == nil {
		t.Fatalf("expected Initialize after Dispose to fail")
	}
}

func TestRuntimeExportsNonFiniteNumbersAsNull(t *testing.T) {
	for _, code := range []string{"1/0", "-1/0", "0/0"} {
		r := newInitializedRuntime(t)

		res, err := r.ExecuteCode(context.Background(), code)
		if err != nil {
			t.Fatalf("ExecuteCode(%q) failed: %v", code, err)
		}
		if res.Type != ResultComplete || res.Result != nil {
			t.Fatalf("ExecuteCode(%q): expected null result, got %+v", code, res)
		}
	}
}

func TestRuntimeExportsResultAsJSONValue(t *testing.T) {
	r := newInitializedRuntime(t)

	res, err := r.ExecuteCode(context.Background(), `({n: 2, inf: 1/0, f: function() {}, list: [1, function() {}, 0/0]})`)
	if err != nil {
		t.Fatalf("ExecuteCode failed: %v", err)
	}
	got, ok := res.Result.(map[string]any)
	if !ok {
		t.Fatalf("expected object result, got %#v", res.Result)
	}
	if _, has := got["f"]; has {
		t.Fatalf("function member should be dropped: %v", got)
	}
	if got["inf"] != nil || fmt.Sprint(got["n"]) != "2" {
		t.Fatalf("unexpected result: %v", got)
	}
	if _, err := json.Marshal(res.Result); err != nil {
		t.Fatalf("result does not encode: %v", err)
	}
	if b, _ := json.Marshal(got["list"]); string(b) != "[1,null,null]" {
		t.Fatalf("unexpected list: %s", b)
	}
}

func TestRuntimeDropsFunctionFetchOptions(t *testing.T) {
	r := newInitializedRuntime(t)

	res, err := r.ExecuteCode(context.Background(), `fetch("u", {method: "POST", cb: function() {}, timeout: 1/0})`)
	if err != nil {
		t.Fatalf("ExecuteCode failed: %v", err)
	}
	if res.Type != ResultPause {
		t.Fatalf("expected pause, got %s (%s)", res.Type, res.Error)
	}
	opts := res.FetchRequest.Options
	if _, has := opts["cb"]; has {
		t.Fatalf("function option should be dropped: %v", opts)
	}
	if opts["method"] != "POST" || opts["timeout"] != nil {
		t.Fatalf("unexpected options: %v", opts)
	}
	if _, err := json.Marshal(res.FetchRequest); err != nil {
		t.Fatalf("fetch request does not encode: %v", err)
	}
}

func TestRuntimeIgnoresScriptReplacingStringify(t *testing.T) {
	r := newInitializedRuntime(t)

	res, err := r.ExecuteCode(context.Background(), `JSON.stringify = function() { return "{bad"; }; ({ok: true})`)
	if err != nil {
		t.Fatalf("ExecuteCode failed: %v", err)
	}
	got, ok := res.Result.(map[string]any)
	if !ok || got["ok"] != true {
		t.Fatalf("unexpected result: %#v", res.Result)
	}
}
