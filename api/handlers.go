package api

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"tasklist/domain"
)

const (
	maxBodySize          = 64 * 1024
	headerIdempotencyKey = "Idempotency-Key"
)

var (
	errInvalidBody  = errors.New("invalid body")
	errBodyTooLarge = errors.New("body too large")
)

// Register wires up all API routes on the provided Echo instance.
// deduper may be nil, in which case Idempotency-Key is ignored.
func Register(e *echo.Echo, store TaskStore, deduper Deduper, logger *log.Logger) {
	if logger == nil {
		logger = log.StandardLogger()
	}
	e.GET("/healthz", healthz(store))

	g := e.Group("/api", BodyLimit(maxBodySize), RequireReady(store))
	g.GET("/tasks", getTasks(store, logger))
	g.POST("/tasks", postTask(store, deduper, logger))
	g.GET("/tasks/stream", streamTasks(store, logger))
	g.PATCH("/tasks/:id", patchTask(store, logger))
	g.POST("/tasks/:id/toggle", toggleTask(store, logger))
	g.DELETE("/tasks/:id", deleteTask(store, logger))
}

type tasksResponse struct {
	Tasks []domain.Task `json:"tasks"`
}

func healthz(store TaskStore) echo.HandlerFunc {
	return func(c echo.Context) error {
		if !store.IsReady() {
			return c.NoContent(http.StatusServiceUnavailable)
		}
		return c.NoContent(http.StatusOK)
	}
}

// instrumented runs h inside a request span and logs its outcome.
func instrumented(logger *log.Logger, route, operation string, h func(echo.Context, *requestMetrics) error) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		metrics, ctx := newRequestMetrics(c.Request().Context(), logger, route, operation)
		c.SetRequest(c.Request().WithContext(ctx))
		defer func() {
			metrics.Log(c.Response().Status, err)
		}()
		return h(c, metrics)
	}
}

func getTasks(store TaskStore, logger *log.Logger) echo.HandlerFunc {
	return instrumented(logger, "/api/tasks", "list", func(c echo.Context, m *requestMetrics) error {
		tasks := store.Tasks()
		switch c.QueryParam("status") {
		case "":
		case "pending":
			tasks, _ = domain.Partition(tasks)
		case "completed":
			_, tasks = domain.Partition(tasks)
		default:
			m.SetErrorStage("invalid_status")
			return c.String(http.StatusBadRequest, "status must be pending or completed")
		}
		m.SetTasksReturned(len(tasks))
		return c.JSON(http.StatusOK, tasksResponse{Tasks: tasks})
	})
}

func postTask(store TaskStore, deduper Deduper, logger *log.Logger) echo.HandlerFunc {
	return instrumented(logger, "/api/tasks", "add", func(c echo.Context, m *requestMetrics) error {
		var in domain.TaskInput
		if err := decodeBody(c, &in); err != nil {
			m.SetErrorStage("decode")
			return c.String(decodeStatus(err), err.Error())
		}
		if err := domain.ValidateInput(in); err != nil {
			m.SetErrorStage("validate")
			return c.String(http.StatusBadRequest, err.Error())
		}

		if key := c.Request().Header.Get(headerIdempotencyKey); key != "" && deduper != nil {
			added, err := deduper.Add(c.Request().Context(), key)
			if err != nil {
				m.SetErrorStage("dedupe")
				logger.WithError(err).WithField("key", key).Error("idempotency check failed")
				return c.String(http.StatusInternalServerError, "idempotency check failed")
			}
			if !added {
				m.SetErrorStage("duplicate")
				return c.String(http.StatusConflict, "duplicate request")
			}
		}

		task := store.Add(in)
		m.SetTaskID(task.ID)
		return c.JSON(http.StatusCreated, task)
	})
}

func patchTask(store TaskStore, logger *log.Logger) echo.HandlerFunc {
	return instrumented(logger, "/api/tasks/:id", "update", func(c echo.Context, m *requestMetrics) error {
		id, ok := parseID(c, m)
		if !ok {
			return c.String(http.StatusBadRequest, "invalid id")
		}
		var patch domain.TaskPatch
		if err := decodeBody(c, &patch); err != nil {
			m.SetErrorStage("decode")
			return c.String(decodeStatus(err), err.Error())
		}
		if err := domain.ValidatePatch(patch); err != nil {
			m.SetErrorStage("validate")
			return c.String(http.StatusBadRequest, err.Error())
		}
		task, found := store.Update(id, patch)
		if !found {
			m.SetErrorStage("not_found")
			return c.String(http.StatusNotFound, "task not found")
		}
		return c.JSON(http.StatusOK, task)
	})
}

func toggleTask(store TaskStore, logger *log.Logger) echo.HandlerFunc {
	return instrumented(logger, "/api/tasks/:id/toggle", "toggle", func(c echo.Context, m *requestMetrics) error {
		id, ok := parseID(c, m)
		if !ok {
			return c.String(http.StatusBadRequest, "invalid id")
		}
		task, found := store.Toggle(id)
		if !found {
			m.SetErrorStage("not_found")
			return c.String(http.StatusNotFound, "task not found")
		}
		return c.JSON(http.StatusOK, task)
	})
}

func deleteTask(store TaskStore, logger *log.Logger) echo.HandlerFunc {
	return instrumented(logger, "/api/tasks/:id", "remove", func(c echo.Context, m *requestMetrics) error {
		id, ok := parseID(c, m)
		if !ok {
			return c.String(http.StatusBadRequest, "invalid id")
		}
		if !store.Remove(id) {
			m.SetErrorStage("not_found")
			return c.String(http.StatusNotFound, "task not found")
		}
		return c.NoContent(http.StatusNoContent)
	})
}

func parseID(c echo.Context, m *requestMetrics) (int, bool) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil || id <= 0 {
		m.SetErrorStage("invalid_id")
		return 0, false
	}
	m.SetTaskID(id)
	return id, true
}

// decodeBody reads a JSON body into v, rejecting unknown fields. The size
// limit itself is enforced by BodyLimit.
func decodeBody(c echo.Context, v any) error {
	data, err := io.ReadAll(c.Request().Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return errBodyTooLarge
		}
		return errInvalidBody
	}
	dec := sonic.ConfigStd.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errInvalidBody
	}
	return nil
}

func decodeStatus(err error) int {
	if errors.Is(err, errBodyTooLarge) {
		return http.StatusRequestEntityTooLarge
	}
	return http.StatusBadRequest
}
