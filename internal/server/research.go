package server

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	core "github.com/mohammad-safakhou/prosearch/internal/agent/core"
	"github.com/mohammad-safakhou/prosearch/internal/runtime"
	"github.com/mohammad-safakhou/prosearch/internal/store"
)

// ResearchHandler exposes synchronous research, async runs with status
// polling, and full-text search over gathered sources.
type ResearchHandler struct {
	Store  *store.Store
	Cache  *store.StatusCache
	Index  *store.SourceIndex
	Orch   *core.Orchestrator
	Logger *log.Logger
}

func (h *ResearchHandler) Register(api *echo.Group, secret []byte) {
	g := api.Group("")
	g.Use(runtime.EchoAuthMiddleware(secret))
	g.POST("/research", h.research)
	g.POST("/runs", h.createRun)
	g.GET("/runs", h.listRuns)
	g.GET("/runs/search", h.searchSources)
	g.GET("/runs/:id", h.getRun)
	g.DELETE("/runs/:id", h.cancelRun)
}

// Research
//
//	@Summary		Run research synchronously
//	@Description	Executes the full research loop and returns the cited answer
//	@Tags			research
//	@Accept			json
//	@Produce		json
//	@Param			payload	body		ResearchRequest	true	"Research request"
//	@Success		200		{object}	core.RunResult
//	@Failure		400		{object}	HTTPError
//	@Failure		502		{object}	HTTPError
//	@Router			/api/research [post]
func (h *ResearchHandler) research(c echo.Context) error {
	var req ResearchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Topic == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "topic is required")
	}
	userID := c.Get("user_id").(string)

	runID := uuid.New().String()
	if err := h.Store.CreateRun(c.Request().Context(), runID, userID, req.TopicID, req.Topic); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	result, err := h.Orch.ResearchWithID(c.Request().Context(), runID, req.Topic, req.options())
	h.persist(runID, &result, err)
	if err != nil {
		var provErr *core.ProviderError
		if errors.As(err, &provErr) {
			return echo.NewHTTPError(http.StatusBadGateway, provErr.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, result)
}

// CreateRun
//
//	@Summary		Start an async research run
//	@Tags			research
//	@Accept			json
//	@Produce		json
//	@Param			payload	body		ResearchRequest	true	"Research request"
//	@Success		202		{object}	RunCreatedResponse
//	@Failure		400		{object}	HTTPError
//	@Router			/api/runs [post]
func (h *ResearchHandler) createRun(c echo.Context) error {
	var req ResearchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Topic == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "topic is required")
	}
	userID := c.Get("user_id").(string)

	runID, err := h.StartRun(c.Request().Context(), userID, req.TopicID, req.Topic, req.options())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusAccepted, RunCreatedResponse{RunID: runID})
}

// StartRun persists a run row and launches the research loop in the
// background. Also used by the scheduler for recurring topics.
func (h *ResearchHandler) StartRun(ctx context.Context, userID, topicID, topic string, opts core.RunOptions) (string, error) {
	runID := uuid.New().String()
	if err := h.Store.CreateRun(ctx, runID, userID, topicID, topic); err != nil {
		return "", err
	}
	go func() {
		result, err := h.Orch.ResearchWithID(context.Background(), runID, topic, opts)
		h.persist(runID, &result, err)
	}()
	return runID, nil
}

// persist records the run outcome in Postgres, refreshes the status cache
// and indexes the gathered sources. Best effort: a storage hiccup is
// logged, not surfaced to the run.
func (h *ResearchHandler) persist(runID string, result *core.RunResult, runErr error) {
	ctx := context.Background()
	if err := h.Store.CompleteRun(ctx, runID, result, runErr); err != nil {
		h.Logger.Printf("persist run %s: %v", runID, err)
	}
	if status, ok := h.Orch.GetStatus(runID); ok {
		if err := h.Cache.Put(ctx, status); err != nil {
			h.Logger.Printf("cache run %s: %v", runID, err)
		}
	}
	if runErr == nil {
		if err := h.Index.IndexRun(result); err != nil {
			h.Logger.Printf("index run %s: %v", runID, err)
		}
	}
}

// GetRun
//
//	@Summary	Get run status and result
//	@Tags		research
//	@Produce	json
//	@Param		id	path		string	true	"Run ID"
//	@Success	200	{object}	core.RunStatus
//	@Failure	404	{object}	HTTPError
//	@Router		/api/runs/{id} [get]
func (h *ResearchHandler) getRun(c echo.Context) error {
	runID := c.Param("id")
	userID := c.Get("user_id").(string)

	// In-flight runs answer from the orchestrator's tracker via the cache.
	if status, ok := h.Orch.GetStatus(runID); ok && status.State != core.StateDone {
		return c.JSON(http.StatusOK, status)
	}
	if status, ok, err := h.Cache.Get(c.Request().Context(), runID); err == nil && ok && status.State != core.StateDone {
		return c.JSON(http.StatusOK, status)
	}

	run, err := h.Store.GetRun(c.Request().Context(), runID, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return echo.NewHTTPError(http.StatusNotFound, "run not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, core.RunStatus{
		RunID:     run.ID,
		Topic:     run.Topic,
		State:     run.Status,
		Error:     run.Error,
		Result:    run.Result,
		StartedAt: run.CreatedAt,
		UpdatedAt: run.UpdatedAt,
	})
}

// ListRuns
//
//	@Summary	List recent runs
//	@Tags		research
//	@Produce	json
//	@Param		limit	query		int	false	"Max results"
//	@Success	200		{array}		store.Run
//	@Router		/api/runs [get]
func (h *ResearchHandler) listRuns(c echo.Context) error {
	userID := c.Get("user_id").(string)
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	runs, err := h.Store.ListRuns(c.Request().Context(), userID, limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, runs)
}

// SearchSources
//
//	@Summary	Full-text search over gathered sources
//	@Tags		research
//	@Produce	json
//	@Param		q		query		string	true	"Query string"
//	@Param		limit	query		int		false	"Max results"
//	@Success	200		{array}		store.SourceDoc
//	@Failure	400		{object}	HTTPError
//	@Router		/api/runs/search [get]
func (h *ResearchHandler) searchSources(c echo.Context) error {
	q := c.QueryParam("q")
	if q == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "q is required")
	}
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	docs, err := h.Index.Search(q, limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, docs)
}

// CancelRun
//
//	@Summary	Cancel an in-flight run
//	@Tags		research
//	@Produce	json
//	@Param		id	path		string	true	"Run ID"
//	@Success	202	{string}	string	"Accepted"
//	@Failure	404	{object}	HTTPError
//	@Router		/api/runs/{id} [delete]
func (h *ResearchHandler) cancelRun(c echo.Context) error {
	if !h.Orch.CancelRun(c.Param("id")) {
		return echo.NewHTTPError(http.StatusNotFound, "run not found or already finished")
	}
	return c.NoContent(http.StatusAccepted)
}
