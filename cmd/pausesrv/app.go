package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"pausevm/internal/config"
	"pausevm/internal/engine"
	"pausevm/internal/observability"
	"pausevm/internal/task"
)

type App struct {
	orch       *task.Orchestrator
	closeStore func() error
	reaper     *task.Reaper
}

func NewApp(ctx context.Context, cfg config.Config) (*App, error) {
	store, closeStore, err := task.OpenStore(ctx, cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("open %s store failed: %w", cfg.Store.Kind, err)
	}

	orch := task.New(engine.NewFactory(cfg.MaxFetches), task.Config{
		Storage: store,
		TTL:     cfg.TaskTTL,
	})
	app := &App{
		orch:       orch,
		closeStore: closeStore,
	}

	if sweeper, ok := store.(task.Sweeper); ok {
		app.reaper = task.NewReaper(sweeper, cfg.SweepInterval)
		app.reaper.Start()
	}
	return app, nil
}

func (a *App) shutdown() {
	if a.reaper != nil {
		a.reaper.Close()
	}
	if a.closeStore != nil {
		if err := a.closeStore(); err != nil {
			observability.Warn("store_close_failed", map[string]any{"reason": err.Error()})
		}
	}
}

func (a *App) routes() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.POST("/tasks", a.executeTask)
	router.GET("/tasks", a.listTasks)
	router.GET("/tasks/:id", a.getTask)
	router.DELETE("/tasks/:id", a.deleteTask)
	router.POST("/tasks/:id/resume", a.resumeTask)
	return router
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		observability.Info("http_request", map[string]any{
			"method":      c.Request.Method,
			"path":        c.FullPath(),
			"status":      c.Writer.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
		})
	}
}

func asString(v any) string {
	if v == nil {
		return ""
	}
	switch x := v.(type) {
	case string:
		return strings.TrimSpace(x)
	case fmt.Stringer:
		return strings.TrimSpace(x.String())
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}

func ttlFromPayload(payload map[string]any) time.Duration {
	raw := payload["ttl_ms"]
	if raw == nil {
		return 0
	}

	switch v := raw.(type) {
	case float64:
		if v <= 0 {
			return 0
		}
		if v >= float64(config.MaxDurationMS) {
			return config.MillisToDuration(config.MaxDurationMS)
		}
		return config.MillisToDuration(int64(v))
	case int:
		if v <= 0 {
			return 0
		}
		return config.MillisToDuration(int64(v))
	case int64:
		if v <= 0 {
			return 0
		}
		return config.MillisToDuration(v)
	case string:
		if d, ok := config.ParseDuration(v); ok {
			return d
		}
	}

	return 0
}

func normalizeExecuteRequest(payload map[string]any) (task.ExecuteRequest, task.ExecuteOptions, error) {
	if payload == nil {
		payload = map[string]any{}
	}

	code, _ := payload["code"].(string)
	if strings.TrimSpace(code) == "" {
		return task.ExecuteRequest{}, task.ExecuteOptions{}, fmt.Errorf("missing required field: code")
	}

	req := task.ExecuteRequest{
		ID:   asString(payload["id"]),
		Name: asString(payload["name"]),
		Code: code,
	}
	opts := task.ExecuteOptions{TTL: ttlFromPayload(payload)}
	if save, ok := payload["save_to_storage"].(bool); ok && !save {
		opts.SkipSave = true
	}
	return req, opts, nil
}

type resumeBody struct {
	VMState       json.RawMessage `json:"vm_state"`
	PausedState   json.RawMessage `json:"paused_state"`
	OriginalCode  string          `json:"original_code"`
	FetchResponse any             `json:"fetch_response"`
}

func (a *App) executeTask(c *gin.Context) {
	var payload map[string]any
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "details": err.Error()})
		return
	}

	req, opts, err := normalizeExecuteRequest(payload)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	t, err := a.orch.Execute(c.Request.Context(), req, opts)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (a *App) resumeTask(c *gin.Context) {
	var body resumeBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "details": err.Error()})
		return
	}

	t, err := a.orch.Resume(c.Request.Context(), task.ResumeRequest{
		TaskID:        strings.TrimSpace(c.Param("id")),
		VMState:       body.VMState,
		PausedState:   body.PausedState,
		OriginalCode:  body.OriginalCode,
		FetchResponse: body.FetchResponse,
	}, task.StoreOptions{})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (a *App) getTask(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	t, err := a.orch.GetTask(c.Request.Context(), id, task.StoreOptions{})
	if err != nil {
		writeError(c, err)
		return
	}
	if t == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found: " + id})
		return
	}
	c.JSON(http.StatusOK, t)
}

func (a *App) deleteTask(c *gin.Context) {
	if err := a.orch.DeleteTask(c.Request.Context(), strings.TrimSpace(c.Param("id")), task.StoreOptions{}); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *App) listTasks(c *gin.Context) {
	lister, ok := a.orch.DefaultStorage().(task.Lister)
	if !ok {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "store does not support listing"})
		return
	}
	tasks, err := lister.List(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks})
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, task.ErrTaskNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, task.ErrInvalidRequest):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
