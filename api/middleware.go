package api

import (
	"compress/gzip"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// RequireReady answers 503 until the store has finished loading persisted
// state, so no request observes or mutates the pre-hydration collection.
func RequireReady(store TaskStore) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !store.IsReady() {
				c.Response().Header().Set("Retry-After", "1")
				return c.String(http.StatusServiceUnavailable, "task store is loading")
			}
			return next(c)
		}
	}
}

// BodyLimit caps request bodies at limit bytes, measured after a gzip
// content encoding has been removed, so a small compressed payload cannot
// inflate past the limit. Invalid gzip data is a 400. Encodings other than
// gzip and identity are refused with 415.
func BodyLimit(limit int64) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if req.Body == nil || req.Body == http.NoBody {
				return next(c)
			}
			enc := strings.ToLower(strings.TrimSpace(req.Header.Get(echo.HeaderContentEncoding)))
			switch enc {
			case "", "identity":
				req.Body = http.MaxBytesReader(c.Response(), req.Body, limit)
			case "gzip", "x-gzip":
				zr, err := gzip.NewReader(req.Body)
				if err != nil {
					_ = req.Body.Close()
					return echo.NewHTTPError(http.StatusBadRequest, "invalid gzip body")
				}
				req.Body = http.MaxBytesReader(c.Response(), inflated{Reader: zr, raw: req.Body}, limit)
				req.ContentLength = -1
				req.Header.Del(echo.HeaderContentEncoding)
				req.Header.Del(echo.HeaderContentLength)
			default:
				return echo.NewHTTPError(http.StatusUnsupportedMediaType, "unsupported content encoding "+enc)
			}
			return next(c)
		}
	}
}

// inflated closes the gzip stream and the raw body under it.
type inflated struct {
	*gzip.Reader
	raw io.Closer
}

func (b inflated) Close() error {
	return errors.Join(b.Reader.Close(), b.raw.Close())
}
