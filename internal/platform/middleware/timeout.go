package middleware

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
)

// RequestTimeout returns middleware that sets a context deadline on each
// incoming request. The handler runs in its own goroutine against a guarded
// response writer; if the deadline passes first, a 504 Gateway Timeout is
// written and anything the handler writes afterwards is discarded. Handlers
// that need more time can derive a new context from the request context with
// a longer deadline.
func RequestTimeout(timeout time.Duration) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
			defer cancel()

			c.SetRequest(c.Request().WithContext(ctx))

			tw := newTimeoutWriter(c.Response().Writer)
			c.Response().Writer = tw

			done := make(chan error, 1)
			go func() {
				done <- next(c)
			}()

			select {
			case err := <-done:
				return err
			case <-ctx.Done():
				if ctx.Err() == context.DeadlineExceeded {
					tw.writeTimeout()
					return nil
				}
				return ctx.Err()
			}
		}
	}
}

// timeoutWriter gives the handler goroutine its own header map and drops its
// writes once the timeout response has been committed to the underlying
// writer.
type timeoutWriter struct {
	dst http.ResponseWriter
	h   http.Header

	mu       sync.Mutex
	wrote    bool
	timedOut bool
}

func newTimeoutWriter(dst http.ResponseWriter) *timeoutWriter {
	return &timeoutWriter{dst: dst, h: make(http.Header)}
}

func (tw *timeoutWriter) Header() http.Header { return tw.h }

func (tw *timeoutWriter) WriteHeader(code int) {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	if tw.timedOut || tw.wrote {
		return
	}
	tw.wrote = true
	tw.flushHeader()
	tw.dst.WriteHeader(code)
}

func (tw *timeoutWriter) Write(b []byte) (int, error) {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	if tw.timedOut {
		return len(b), nil
	}
	if !tw.wrote {
		tw.wrote = true
		tw.flushHeader()
	}
	return tw.dst.Write(b)
}

func (tw *timeoutWriter) flushHeader() {
	dst := tw.dst.Header()
	for k, v := range tw.h {
		dst[k] = v
	}
}

// writeTimeout commits the 504 unless the handler already produced a
// response.
func (tw *timeoutWriter) writeTimeout() {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	if tw.timedOut || tw.wrote {
		return
	}
	tw.timedOut = true
	tw.dst.Header().Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	tw.dst.WriteHeader(http.StatusGatewayTimeout)
	tw.dst.Write([]byte(`{"message":"request timed out"}`))
}
