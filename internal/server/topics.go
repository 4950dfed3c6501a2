package server

import (
	"net/http"

	"github.com/gorhill/cronexpr"
	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/prosearch/internal/runtime"
	"github.com/mohammad-safakhou/prosearch/internal/store"
)

// TopicsHandler manages saved research subjects, optionally re-researched
// on a cron schedule by the scheduler.
type TopicsHandler struct {
	Store *store.Store
}

func (t *TopicsHandler) Register(g *echo.Group, secret []byte) {
	g.Use(runtime.EchoAuthMiddleware(secret))
	g.POST("", t.create)
	g.GET("", t.list)
}

// CreateTopic
//
//	@Summary	Save a research topic
//	@Tags		topics
//	@Accept		json
//	@Produce	json
//	@Param		payload	body		TopicCreateRequest	true	"Topic payload"
//	@Success	201		{object}	map[string]string
//	@Failure	400		{object}	HTTPError
//	@Router		/api/topics [post]
func (t *TopicsHandler) create(c echo.Context) error {
	var req TopicCreateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Name == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "name is required")
	}
	if req.ScheduleCron != "" && req.ScheduleCron != "@daily" && req.ScheduleCron != "@hourly" {
		if _, err := cronexpr.Parse(req.ScheduleCron); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid cron expression")
		}
	}
	userID := c.Get("user_id").(string)
	id, err := t.Store.CreateTopic(c.Request().Context(), userID, req.Name, req.ScheduleCron)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusCreated, map[string]string{"id": id})
}

// ListTopics
//
//	@Summary	List saved topics
//	@Tags		topics
//	@Produce	json
//	@Success	200	{array}	store.Topic
//	@Router		/api/topics [get]
func (t *TopicsHandler) list(c echo.Context) error {
	userID := c.Get("user_id").(string)
	topics, err := t.Store.ListTopics(c.Request().Context(), userID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, topics)
}
