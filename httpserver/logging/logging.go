package logging

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

type MiddlewareConf struct {
	GetLogLevel func(r *http.Request) zerolog.Level
}

// statusRecorder remembers the status code written by the handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Middleware logs all incoming requests and the status they were answered
// with.
func Middleware(conf MiddlewareConf) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			log := zerolog.Ctx(r.Context())

			endpoint := r.URL.Path
			if route := mux.CurrentRoute(r); route != nil {
				if template, err := route.GetPathTemplate(); err == nil {
					endpoint = template
				}
			}

			// We want /all/ log lines to include this, including panics.
			log.UpdateContext(func(c zerolog.Context) zerolog.Context {
				return c.Str("endpoint", endpoint)
			})

			recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(recorder, r)

			level := zerolog.DebugLevel
			if conf.GetLogLevel != nil {
				level = conf.GetLogLevel(r)
			}

			switch {
			case recorder.status >= http.StatusInternalServerError:
				level = zerolog.ErrorLevel

			case r.Context().Err() != nil:
				level = zerolog.InfoLevel
			}

			log.WithLevel(level).
				Stringer("duration", time.Since(start)).
				Int("status", recorder.status).
				Str("method", r.Method).
				Msgf("%s %s: %d", r.Method, endpoint, recorder.status)
		})
	}
}
