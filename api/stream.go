package api

import (
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"tasklist/domain"
	"tasklist/taskstore"
)

var streamKeepAlive = 15 * time.Second

// streamTasks sends the current collection, then a new frame after every
// change. Slow clients only ever receive the latest snapshot.
func streamTasks(store TaskStore, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		flusher, ok := c.Response().Writer.(http.Flusher)
		if !ok {
			return c.String(http.StatusInternalServerError, "stream unsupported")
		}

		updates := make(chan []domain.Task, 1)
		unsubscribe := store.Subscribe(func(ch taskstore.Change) {
			select {
			case updates <- ch.Tasks:
				return
			default:
			}
			select {
			case <-updates:
			default:
			}
			select {
			case updates <- ch.Tasks:
			default:
			}
		})
		defer unsubscribe()

		h := c.Response().Header()
		h.Set(echo.HeaderContentType, "text/event-stream")
		h.Set(echo.HeaderCacheControl, "no-cache")
		h.Set(echo.HeaderConnection, "keep-alive")
		h.Set("X-Accel-Buffering", "no")
		c.Response().WriteHeader(http.StatusOK)

		if err := writeFrame(c, store.Tasks()); err != nil {
			return nil
		}
		flusher.Flush()

		ctx := c.Request().Context()
		ticker := time.NewTicker(streamKeepAlive)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case tasks := <-updates:
				if err := writeFrame(c, tasks); err != nil {
					logger.WithError(err).Debug("stream client gone")
					return nil
				}
			case <-ticker.C:
				if _, err := c.Response().Write([]byte(": ping\n\n")); err != nil {
					return nil
				}
			}
			flusher.Flush()
		}
	}
}

func writeFrame(c echo.Context, tasks []domain.Task) error {
	data, err := sonic.Marshal(tasksResponse{Tasks: tasks})
	if err != nil {
		return err
	}
	w := c.Response()
	if _, err := w.Write([]byte("data: ")); err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	_, err = w.Write([]byte("\n\n"))
	return err
}
