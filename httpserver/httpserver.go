// Package httpserver exposes the tool dispatcher as a small JSON API:
// listing tools, describing one, and invoking one.
package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/barebitcoin/btc-mcp/httpserver/logging"
	"github.com/barebitcoin/btc-mcp/toolerr"
	"github.com/barebitcoin/btc-mcp/tools"
)

const traceHeader = "x-trace-id"

// maxBodySize caps the argument object of one call.
const maxBodySize = 1 << 20

type Server struct {
	dispatcher *tools.Dispatcher
	router     *mux.Router
	server     *http.Server
}

// New creates a new Server with middleware applied.
func New(dispatcher *tools.Dispatcher, logConf logging.MiddlewareConf) *Server {
	s := &Server{dispatcher: dispatcher, router: mux.NewRouter()}

	// Ordering of middleware matter! First middleware in the list get
	// called first.
	s.router.Use(
		addContextLogger,
		addRequestID,
		recoverPanics,
		logging.Middleware(logConf),
	)

	s.router.HandleFunc("/healthz", s.health).Methods(http.MethodGet)
	s.router.HandleFunc("/v1/tools", s.listTools).Methods(http.MethodGet)
	s.router.HandleFunc("/v1/tools/{name}", s.describeTool).Methods(http.MethodGet)
	s.router.HandleFunc("/v1/tools/{name}", s.callTool).Methods(http.MethodPost)

	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: time.Minute,
	}
	return s
}

func addContextLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Ensure that all request contexts have a brand-new context logger
		// that it is safe to manipulate.
		ctx := zerolog.Ctx(r.Context()).With().Logger().WithContext(r.Context())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func addRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := tools.NewRequestID()
		if head := r.Header.Get(traceHeader); head != "" {
			requestID = head
		}

		ctx := tools.WithRequestID(r.Context(), requestID)

		// Propagate the request ID back to the caller
		w.Header().Set(traceHeader, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// recoverPanics ensures we never crash with a panic when serving.
func recoverPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				zerolog.Ctx(r.Context()).Error().
					Err(fmt.Errorf("%v", rec)).
					Str("stack", string(debug.Stack())).
					Msg("recovered from panic while serving HTTP")

				writeJSON(r.Context(), w, http.StatusInternalServerError, map[string]string{
					"error": "internal error",
				})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) Handler() http.Handler {
	// Use h2c, so we can serve HTTP/2 without TLS.
	return h2c.NewHandler(s.router, &http2.Server{})
}

func writeJSON(ctx context.Context, w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		zerolog.Ctx(ctx).Err(err).Msg("server: could not write response")
	}
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(r.Context(), w, http.StatusOK, map[string]string{"status": "ok"})
}

type toolList struct {
	Tools []tools.Descriptor `json:"tools"`
}

func (s *Server) listTools(w http.ResponseWriter, r *http.Request) {
	writeJSON(r.Context(), w, http.StatusOK, toolList{Tools: s.dispatcher.List()})
}

func (s *Server) describeTool(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	desc, ok := s.dispatcher.Descriptor(name)
	if !ok {
		writeJSON(r.Context(), w, http.StatusNotFound, failure(name, toolerr.CodeUnknownTool, "unknown tool: "+name))
		return
	}
	writeJSON(r.Context(), w, http.StatusOK, desc)
}

func (s *Server) callTool(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	args, err := readArguments(r)
	if err != nil {
		writeJSON(r.Context(), w, http.StatusBadRequest, failure(name, toolerr.CodeInvalidFormat, err.Error()))
		return
	}

	env := s.dispatcher.Call(r.Context(), name, args)
	writeJSON(r.Context(), w, statusOf(env), env)
}

// readArguments decodes the body as the argument object. An empty body
// means no arguments.
func readArguments(r *http.Request) (map[string]any, error) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize+1))
	if err != nil {
		return nil, fmt.Errorf("unable to read request body")
	}
	if len(raw) > maxBodySize {
		return nil, fmt.Errorf("request body exceeds %d bytes", maxBodySize)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return map[string]any{}, nil
	}

	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()

	var args map[string]any
	if err := decoder.Decode(&args); err != nil || args == nil {
		return nil, errors.New("request body must be a JSON object")
	}
	if decoder.More() {
		return nil, errors.New("request body must hold a single JSON object")
	}
	return args, nil
}

func failure(name string, code toolerr.Code, message string) tools.Envelope {
	return tools.Envelope{
		Tool:  name,
		Error: &tools.EnvelopeError{Code: code, Message: message},
	}
}

func statusOf(env tools.Envelope) int {
	if env.Success {
		return http.StatusOK
	}
	switch env.Error.Code {
	case toolerr.CodeUnknownTool:
		return http.StatusNotFound
	case toolerr.CodeLibraryOperation:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusBadRequest
	}
}

func (s *Server) Serve(ctx context.Context, address string) error {
	log := zerolog.Ctx(ctx)

	var lc net.ListenConfig
	lis, err := lc.Listen(ctx, "tcp", address)
	if err != nil {
		return fmt.Errorf("could not listen: %w", err)
	}

	defer func() {
		err := lis.Close()
		if err == nil {
			return
		}

		switch {
		case errors.Is(err, net.ErrClosed),
			errors.Is(err, http.ErrServerClosed):
			return
		}

		log.Error().Err(err).
			Msg("could not close listener")
	}()

	// Handlers inherit the serving context, and with it the logger.
	s.server.BaseContext = func(net.Listener) context.Context { return ctx }

	log.Info().Msgf("server: serving HTTP on %s", lis.Addr())
	if err := s.server.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve: %w", err)
	}

	return nil
}

// Shutdown tries to gracefully stop the server, forcing a shutdown
// after a timeout if this isn't possible. It is safe to call on a
// nil server.
func (s *Server) Shutdown(ctx context.Context) {
	if s == nil || s.server == nil {
		return
	}

	log := zerolog.Ctx(ctx)

	const timeout = time.Second * 3

	// If we have requests that don't complete we risk hanging forever.
	// Therefore, force stop after a timeout.
	var stopped, forced atomic.Bool
	time.AfterFunc(timeout, func() {
		if stopped.Load() {
			return
		}

		log.Printf("server: forcing stop after %s", timeout)
		forced.Store(true)
		if err := s.server.Close(); err != nil {
			log.Err(err).Msg("server: could not force stop HTTP server")
			return
		}
	})

	log.Print("server: trying graceful stop")
	if err := s.server.Shutdown(context.Background()); err != nil {
		log.Err(err).Msg("server: could not gracefully stop HTTP server")
		return
	}

	if !forced.Load() {
		log.Print("server: successful graceful stop")
	}

	stopped.Store(true)
}
