package api

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"sync"

	"go.uber.org/zap"
)

// timeoutWriter buffers a handler's response so that nothing reaches the
// client once the deadline has passed.
type timeoutWriter struct {
	mu       sync.Mutex
	header   http.Header
	buf      bytes.Buffer
	code     int
	timedOut bool
}

func (tw *timeoutWriter) Header() http.Header {
	return tw.header
}

func (tw *timeoutWriter) Write(p []byte) (int, error) {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	if tw.timedOut {
		return 0, http.ErrHandlerTimeout
	}
	if tw.code == 0 {
		tw.code = http.StatusOK
	}
	return tw.buf.Write(p)
}

func (tw *timeoutWriter) WriteHeader(code int) {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	if tw.timedOut || tw.code != 0 {
		return
	}
	tw.code = code
}

// withTimeout bounds every request by requestTimeout and answers 408 when the
// handler has not finished in time.
func (s *Server) withTimeout(next http.Handler) http.Handler {
	if s.requestTimeout <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), s.requestTimeout)
		defer cancel()

		tw := &timeoutWriter{header: make(http.Header)}
		done := make(chan struct{})
		panicked := make(chan any, 1)
		go func() {
			defer func() {
				if p := recover(); p != nil {
					panicked <- p
					return
				}
				close(done)
			}()
			next.ServeHTTP(tw, r.WithContext(ctx))
		}()

		select {
		case p := <-panicked:
			panic(p)
		case <-done:
		case <-ctx.Done():
		}

		tw.mu.Lock()
		defer tw.mu.Unlock()
		switch err := ctx.Err(); {
		case errors.Is(err, context.DeadlineExceeded):
			// A response finished after the deadline is discarded as well.
			tw.timedOut = true
			s.logger.Warn("request timed out",
				zap.String("request_id", requestID(r)),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Duration("timeout", s.requestTimeout))
			respondError(w, http.StatusRequestTimeout, "request timed out")
		case err != nil:
			tw.timedOut = true
		default:
			dst := w.Header()
			for k, v := range tw.header {
				dst[k] = v
			}
			if tw.code == 0 {
				tw.code = http.StatusOK
			}
			w.WriteHeader(tw.code)
			_, _ = w.Write(tw.buf.Bytes())
		}
	})
}
