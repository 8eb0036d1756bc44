// Package gateway exposes the worker's data tools over HTTP.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/petal-labs/petalquery/host"
	"github.com/petal-labs/petalquery/mcp"
	"github.com/petal-labs/petalquery/tool"
)

// Invoker runs tools on a worker. *host.Pool implements it.
type Invoker interface {
	Invoke(ctx context.Context, name string, args map[string]any, opts ...mcp.CallOption) (mcp.Outcome, error)
	Tools(ctx context.Context) ([]mcp.Tool, error)
}

// Config configures a Server.
type Config struct {
	Invoker Invoker
	// Token enables bearer authentication on the tool routes when set.
	Token string
	// RequestTimeout bounds each request. Defaults to 90s.
	RequestTimeout time.Duration
	MaxBody        int64
	Logger         *slog.Logger
}

// Server is the HTTP gateway.
type Server struct {
	invoker Invoker
	token   string
	maxBody int64
	logger  *slog.Logger
	router  *chi.Mux
}

// New constructs a Server with middleware and routes configured.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 90 * time.Second
	}
	if cfg.MaxBody <= 0 {
		cfg.MaxBody = 1 << 20
	}
	s := &Server{
		invoker: cfg.Invoker,
		token:   cfg.Token,
		maxBody: cfg.MaxBody,
		logger:  cfg.Logger,
		router:  chi.NewRouter(),
	}

	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.requestLogger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(cfg.RequestTimeout))

	s.router.Get("/health", s.handleHealth)
	s.router.Route("/bigquery", func(r chi.Router) {
		r.Use(s.auth)
		r.Use(s.maxBodyMiddleware)
		r.Get("/tools", s.handleTools)
		r.Get("/list-tables", s.handleListTables)
		r.Post("/describe-table", s.handleDescribeTable)
		r.Post("/execute-query", s.handleExecuteQuery)
	})
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// --- Middleware ---

func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token == "" {
			next.ServeHTTP(w, r)
			return
		}
		if r.Header.Get("Authorization") != "Bearer "+s.token {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) maxBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// --- Handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	tools, err := s.invoker.Tools(r.Context())
	if err != nil {
		s.writeInvokeError(w, r, "tools/list", mcp.Outcome{}, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tools": tools})
}

type listTablesRequest struct {
	DatasetsFilter []string `json:"datasets_filter"`
}

type describeTableRequest struct {
	TableName string `json:"table_name"`
}

type executeQueryRequest struct {
	Query string `json:"query"`
}

func (s *Server) handleListTables(w http.ResponseWriter, r *http.Request) {
	var req listTablesRequest
	if err := decodeBody(r, &req, true); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	filter := append(req.DatasetsFilter, splitQueryList(r.URL.Query()["datasets_filter"])...)

	args := map[string]any{}
	if len(filter) > 0 {
		args["datasets_filter"] = filter
	}
	s.invoke(w, r, tool.ListTablesTool, args)
}

func (s *Server) handleDescribeTable(w http.ResponseWriter, r *http.Request) {
	var req describeTableRequest
	if err := decodeBody(r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	s.invoke(w, r, tool.DescribeTableTool, map[string]any{"table_name": req.TableName})
}

func (s *Server) handleExecuteQuery(w http.ResponseWriter, r *http.Request) {
	var req executeQueryRequest
	if err := decodeBody(r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	s.invoke(w, r, tool.ExecuteQueryTool, map[string]any{"query": req.Query})
}

// invoke runs one tool and writes its text as a JSON string.
func (s *Server) invoke(w http.ResponseWriter, r *http.Request, name string, args map[string]any) {
	outcome, err := s.invoker.Invoke(r.Context(), name, args)
	if err != nil {
		s.writeInvokeError(w, r, name, outcome, err)
		return
	}
	writeJSON(w, http.StatusOK, outcome.Text)
}

func (s *Server) writeInvokeError(w http.ResponseWriter, r *http.Request, name string, outcome mcp.Outcome, err error) {
	message := err.Error()
	if outcome.IsError {
		message = outcome.Text
	}
	code := host.ErrorCode(err)
	s.logger.Warn("tool request failed",
		"tool", name,
		"code", code,
		"error", err,
		"request_id", middleware.GetReqID(r.Context()),
	)
	writeError(w, http.StatusInternalServerError, code, message)
}

// --- JSON helpers ---

// decodeBody decodes a JSON object into dst, rejecting unknown fields.
// An empty body is accepted when optional is set.
func decodeBody(r *http.Request, dst any, optional bool) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) && optional {
			return nil
		}
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return errors.New("invalid request body: " + err.Error())
	}
	if dec.More() {
		return errors.New("invalid request body: trailing data")
	}
	return nil
}

func splitQueryList(values []string) []string {
	var out []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type apiError struct {
	Error apiErrorBody `json:"error"`
}

type apiErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, apiError{Error: apiErrorBody{Code: code, Message: message}})
}
