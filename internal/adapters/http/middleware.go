package httpadapter

import (
	"bufio"
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/blociq/lease-pipeline/internal/observability/logging"
)

const requestIDHeader = "X-Request-Id"

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := strings.TrimSpace(r.Header.Get(requestIDHeader))
		if requestID == "" || len(requestID) > 128 {
			requestID = uuid.NewString()
		}

		r = r.WithContext(logging.WithRequestID(r.Context(), requestID))
		w.Header().Set(requestIDHeader, requestID)

		next.ServeHTTP(w, r)
	})
}

func (rt *Router) accessLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next.ServeHTTP(recorder, r)

		remoteAddr := r.RemoteAddr
		if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
			remoteAddr = host
		}

		event := rt.log.Info()
		switch {
		case recorder.statusCode >= 500:
			event = rt.log.Error()
		case recorder.statusCode >= 400:
			event = rt.log.Warn()
		}
		event.
			Str("request_id", logging.RequestID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", recorder.statusCode).
			Float64("duration_ms", float64(time.Since(start).Microseconds())/1000.0).
			Int("bytes", recorder.bytesWritten).
			Str("remote_addr", remoteAddr).
			Str("user_agent", r.UserAgent()).
			Msg("http_request")
	})
}

func (rt *Router) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			logging.With(r.Context(), rt.log).Error().
				Str("panic", fmt.Sprint(rec)).
				Str("path", r.URL.Path).
				Msg("http_panic")
			writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error", Code: "internal_error"})
		}()
		next.ServeHTTP(w, r)
	})
}

// rateLimit builds one token bucket shared by every route it wraps.
func rateLimit(rps float64, burst int, rejected func(reason string)) func(http.Handler) http.Handler {
	if burst < 1 {
		burst = int(math.Max(1, math.Ceil(rps)))
	}
	limiter := rate.NewLimiter(rate.Limit(rps), burst)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reservation := limiter.Reserve()
			if !reservation.OK() {
				rejected("rate_limited")
				tooManyRequests(w, time.Second)
				return
			}
			if delay := reservation.Delay(); delay > 0 {
				reservation.Cancel()
				rejected("rate_limited")
				tooManyRequests(w, delay)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func tooManyRequests(w http.ResponseWriter, wait time.Duration) {
	seconds := int(math.Ceil(wait.Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(seconds))
	writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "rate limit exceeded", Code: "rate_limited"})
}

// backpressure caps concurrent requests across every route it wraps. A
// request that cannot get a slot within wait is shed with 503.
func backpressure(maxInFlight int, wait time.Duration, rejected func(reason string)) func(http.Handler) http.Handler {
	slots := make(chan struct{}, maxInFlight)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			timer := time.NewTimer(wait)
			defer timer.Stop()

			select {
			case slots <- struct{}{}:
			case <-timer.C:
				rejected("overloaded")
				w.Header().Set("Retry-After", "1")
				writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "server is overloaded, retry later", Code: "overloaded"})
				return
			case <-r.Context().Done():
				return
			}
			defer func() { <-slots }()

			next.ServeHTTP(w, r)
		})
	}
}

func backpressureMiddleware(next http.Handler, maxInFlight int, wait time.Duration) http.Handler {
	return backpressure(maxInFlight, wait, func(string) {})(next)
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int
	wroteHeader  bool
}

func (w *statusRecorder) WriteHeader(statusCode int) {
	if !w.wroteHeader {
		w.statusCode = statusCode
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *statusRecorder) Write(b []byte) (int, error) {
	w.wroteHeader = true
	n, err := w.ResponseWriter.Write(b)
	w.bytesWritten += n
	return n, err
}

func (w *statusRecorder) Flush() {
	flusher, ok := w.ResponseWriter.(http.Flusher)
	if ok {
		flusher.Flush()
	}
}

func (w *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not implement http.Hijacker")
	}
	return hijacker.Hijack()
}
