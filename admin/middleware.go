/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package admin

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"runtime"
	"strconv"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/xid"
	"golang.org/x/time/rate"

	"github.com/acronis/go-ratequeue/log"
)

const headerRequestID = "X-Request-ID"

const recoveryStackSize = 8192

type ctxKey int

const ctxKeyLogger ctxKey = iota

// GetLoggerFromContext extracts the request-scoped logger put by the admin router.
func GetLoggerFromContext(ctx context.Context) log.FieldLogger {
	if logger, ok := ctx.Value(ctxKeyLogger).(log.FieldLogger); ok {
		return logger
	}
	return log.NewDisabledLogger()
}

// requestLogging assigns a request id, puts a logger with it into the context,
// and logs every finished request with its status and duration.
func requestLogging(logger log.FieldLogger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			startTime := time.Now()

			requestID := r.Header.Get(headerRequestID)
			if requestID == "" {
				requestID = xid.New().String()
			}
			rw.Header().Set(headerRequestID, requestID)

			reqLogger := logger.With(
				log.String("request_id", requestID),
				log.String("method", r.Method),
				log.String("uri", r.RequestURI),
			)
			wrw := chimw.NewWrapResponseWriter(rw, r.ProtoMajor)
			next.ServeHTTP(wrw, r.WithContext(context.WithValue(r.Context(), ctxKeyLogger, reqLogger)))

			status := wrw.Status()
			if status == 0 {
				status = http.StatusOK
			}
			reqLogger.Info(fmt.Sprintf("response completed in %.3fs", time.Since(startTime).Seconds()),
				log.Int("status", status),
				log.Int("bytes_sent", wrw.BytesWritten()),
				log.DurationIn(time.Since(startTime), time.Millisecond),
			)
		})
	}
}

// recovery recovers from panics in handlers, logs the panic with a stack and responds with 500.
func recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		defer func() {
			if p := recover(); p != nil {
				if p == http.ErrAbortHandler {
					panic(p)
				}
				logger := GetLoggerFromContext(r.Context())
				stack := make([]byte, recoveryStackSize)
				stack = stack[:runtime.Stack(stack, false)]
				logger.Error(fmt.Sprintf("Panic: %+v", p), log.Bytes("stack", stack))
				RespondInternalError(rw, logger)
			}
		}()
		next.ServeHTTP(rw, r)
	})
}

// writeRateLimit rejects requests exceeding limiter with 429 and a Retry-After header.
// Safe methods (GET, HEAD, OPTIONS) are never limited.
func writeRateLimit(limiter *rate.Limiter) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodGet, http.MethodHead, http.MethodOptions:
				next.ServeHTTP(rw, r)
				return
			}
			reservation := limiter.Reserve()
			if delay := reservation.Delay(); delay > 0 {
				reservation.Cancel()
				rw.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(delay.Seconds()))))
				RespondError(rw, http.StatusTooManyRequests,
					NewError(ErrCodeTooManyRequests, "Too many requests."), GetLoggerFromContext(r.Context()))
				return
			}
			next.ServeHTTP(rw, r)
		})
	}
}
