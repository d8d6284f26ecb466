package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"golang.org/x/term"

	"pausevm/internal/engine"
	"pausevm/internal/task"
)

func encodeTask(t *task.Task, indent bool) string {
	var (
		b   []byte
		err error
	)
	if indent {
		b, err = json.MarshalIndent(t, "", "  ")
	} else {
		b, err = json.Marshal(t)
	}
	if err != nil {
		return fmt.Sprintf("<marshal-error: %v>", err)
	}
	return string(b)
}

// parseResponses accepts a JSON array; each element answers one pause in order.
func parseResponses(raw string) ([]any, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var out []any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("responses must be a JSON array: %w", err)
	}
	return out, nil
}

func readSource(inline, path string) (string, error) {
	if path == "" {
		return inline, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s failed: %w", path, err)
	}
	return string(b), nil
}

// drive executes code and answers each pause with the next response until the
// task leaves the paused state or the responses run out.
func drive(ctx context.Context, orch *task.Orchestrator, req task.ExecuteRequest, responses []any, emit func(*task.Task)) (*task.Task, error) {
	current, err := orch.Execute(ctx, req, task.ExecuteOptions{})
	if err != nil {
		return nil, err
	}
	for _, resp := range responses {
		if current.Status != task.StatusPaused {
			break
		}
		emit(current)
		current, err = orch.Resume(ctx, task.ResumeRequest{
			TaskID:        current.ID,
			VMState:       current.VMState,
			PausedState:   current.PausedState,
			FetchResponse: resp,
		}, task.StoreOptions{})
		if err != nil {
			return nil, err
		}
	}
	return current, nil
}

func main() {
	code := flag.String("code", "", "JavaScript source to run")
	codeFile := flag.String("code-file", "", "Read JavaScript source from file")
	id := flag.String("id", "", "Task id (generated when empty)")
	name := flag.String("name", "", "Task name")
	responses := flag.String("responses", "", "JSON array of fetch responses, one per pause")
	responsesFile := flag.String("responses-file", "", "Read the responses array from file")
	maxFetches := flag.Int("max-fetches", 0, "Fetch limit per run (0 uses the engine default)")
	timeout := flag.Duration("timeout", 30*time.Second, "Overall timeout")
	flag.Parse()

	src, err := readSource(*code, *codeFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if strings.TrimSpace(src) == "" {
		fmt.Fprintln(os.Stderr, "-code or -code-file is required")
		os.Exit(1)
	}

	rawResponses, err := readSource(*responses, *responsesFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	answers, err := parseResponses(rawResponses)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	indent := term.IsTerminal(int(os.Stdout.Fd()))
	orch := task.New(engine.NewFactory(*maxFetches), task.Config{Storage: task.NewMemoryStore()})

	final, err := drive(ctx, orch, task.ExecuteRequest{ID: *id, Name: *name, Code: src}, answers, func(t *task.Task) {
		fmt.Println(encodeTask(t, indent))
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "run failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Println(encodeTask(final, indent))
	if final.Status == task.StatusError {
		os.Exit(1)
	}
}
