package observability

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	LogFileEnv  = "PAUSEVM_LOG_FILE"
	LogLevelEnv = "PAUSEVM_LOG_LEVEL"
)

var levelRank = map[string]int{
	"debug":   0,
	"info":    1,
	"warning": 2,
	"error":   3,
}

var (
	initOnce sync.Once
	writeMu  sync.Mutex
	logFile  *os.File
	minRank  = levelRank["info"]
	console  io.Writer = os.Stderr
)

func initLogger() {
	if level := normalizeLevel(os.Getenv(LogLevelEnv)); level != "" {
		minRank = levelRank[level]
	}

	logPath := strings.TrimSpace(os.Getenv(LogFileEnv))
	if logPath == "" {
		return
	}

	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return
	}

	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return
	}
	logFile = f
}

func normalizeLevel(level string) string {
	level = strings.ToLower(strings.TrimSpace(level))
	if level == "warn" {
		level = "warning"
	}
	if _, ok := levelRank[level]; !ok {
		return ""
	}
	return level
}

func writeLine(line []byte) {
	writeMu.Lock()
	defer writeMu.Unlock()

	if console != nil {
		_, _ = console.Write(line)
	}
	if logFile != nil {
		_, _ = logFile.Write(line)
	}
}

// SetOutput replaces the console writer (stderr by default). A nil writer
// silences console output; the log file, if configured, is unaffected.
func SetOutput(w io.Writer) {
	writeMu.Lock()
	defer writeMu.Unlock()
	console = w
}

// SetLevel overrides the minimum level read from PAUSEVM_LOG_LEVEL and
// returns the previous one. Unknown levels are ignored.
func SetLevel(level string) string {
	initOnce.Do(initLogger)

	writeMu.Lock()
	defer writeMu.Unlock()
	prev := "info"
	for name, rank := range levelRank {
		if rank == minRank {
			prev = name
		}
	}
	if level = normalizeLevel(level); level != "" {
		minRank = levelRank[level]
	}
	return prev
}

func Log(level string, event string, fields map[string]any) {
	initOnce.Do(initLogger)

	level = normalizeLevel(level)
	if level == "" {
		level = "info"
	}
	writeMu.Lock()
	below := levelRank[level] < minRank
	writeMu.Unlock()
	if below {
		return
	}

	payload := map[string]any{
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		"level":     level,
		"event":     strings.TrimSpace(event),
	}
	for k, v := range fields {
		payload[k] = v
	}

	line, err := json.Marshal(payload)
	if err != nil {
		line = []byte(fmt.Sprintf(`{"timestamp":"%s","level":"error","event":"log_marshal_failed","reason":%q}`,
			time.Now().UTC().Format(time.RFC3339Nano), err.Error()))
	}
	line = append(line, '\n')
	writeLine(line)
}

func Debug(event string, fields map[string]any) {
	Log("debug", event, fields)
}

func Info(event string, fields map[string]any) {
	Log("info", event, fields)
}

func Warn(event string, fields map[string]any) {
	Log("warning", event, fields)
}

func Error(event string, fields map[string]any) {
	Log("error", event, fields)
}
