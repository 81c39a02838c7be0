package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"mailcal/internal/config"
	"mailcal/internal/event"
	"mailcal/internal/extract"
	"mailcal/internal/ledger"
	appLog "mailcal/internal/log"
	"mailcal/internal/model"
	"mailcal/internal/pipeline"
)

// maxParseBody bounds POST /api/parse bodies.
const maxParseBody = 64 << 10

// History lists recently processed messages.
type History interface {
	Recent(ctx context.Context, limit int) ([]ledger.Entry, error)
}

// Poller runs a poll on demand.
type Poller interface {
	Poll(ctx context.Context) (pipeline.Report, error)
}

// Server exposes the status API:
//
//	GET  /health          liveness, never authenticated
//	GET  /api/status      outcome of the last poll
//	GET  /api/processed   recent ledger entries (?limit=N)
//	POST /api/parse       extract + build a mail body without submitting it
//	POST /api/poll        run a poll now
type Server struct {
	cfg     *config.Config
	history History
	builder *event.Builder
	poller  Poller
	mux     *http.ServeMux

	statusMu sync.RWMutex
	status   Status
}

// Status is the outcome of the most recent poll.
type Status struct {
	At     time.Time        `json:"at"`
	Report *pipeline.Report `json:"report,omitempty"`
	Error  string           `json:"error,omitempty"`
}

// NewServer constructs a Server. history and poller may be nil, which
// disables the matching endpoints.
func NewServer(cfg *config.Config, history History, builder *event.Builder, poller Poller) *Server {
	s := &Server{
		cfg:     cfg,
		history: history,
		builder: builder,
		poller:  poller,
		mux:     http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

// RecordPoll stores the result of a poll for /api/status.
func (s *Server) RecordPoll(rep pipeline.Report, err error) {
	st := Status{At: time.Now(), Report: &rep}
	if err != nil {
		st.Error = err.Error()
	}
	s.statusMu.Lock()
	s.status = st
	s.statusMu.Unlock()
}

// ListenAndServe serves on cfg.Listen until ctx is cancelled, then shuts
// down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+s.cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	// 빈 사용자명 또는 비밀번호가 설정된 경우에는 비활성화로 취급한다.
	return s.cfg.BasicAuth.Username != "" && s.cfg.BasicAuth.Password != ""
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="mailcal", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/status", s.handleStatus)
	s.mux.HandleFunc("GET /api/processed", s.handleProcessed)
	s.mux.HandleFunc("POST /api/parse", s.handleParse)
	s.mux.HandleFunc("POST /api/poll", s.handlePoll)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	s.statusMu.RLock()
	st := s.status
	s.statusMu.RUnlock()
	writeJSON(w, http.StatusOK, st)
}

// GET /api/processed?limit=50
func (s *Server) handleProcessed(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusNotFound, "ledger disabled")
		return
	}
	limit := parseIntDefault(r.URL.Query().Get("limit"), 50)
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	entries, err := s.history.Recent(r.Context(), limit)
	if err != nil {
		appLog.Error("ledger query failed", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

type parseRequest struct {
	// Text is a plain mail body.
	Text string `json:"text"`
	// Data is a base64url body as found in a Gmail payload. Used when Text is empty.
	Data string `json:"data"`
}

type parseResponse struct {
	Fields extract.Fields     `json:"fields"`
	Event  *model.EventRecord `json:"event,omitempty"`
	Error  string             `json:"error,omitempty"`
}

// POST /api/parse
//
// Accepts either JSON ({"text": ...} or {"data": ...}) or a text/plain body.
// Always answers 200 with the extracted fields; an event that cannot be built
// is reported in "error".
func (s *Server) handleParse(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxParseBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("body exceeds %d bytes", tooLarge.Limit))
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	text := string(raw)
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		var req parseRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
			return
		}
		text = req.Text
		if text == "" && req.Data != "" {
			text, err = extract.DecodeBody([]byte(req.Data))
			if err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
		}
	}

	resp := parseResponse{Fields: extract.ExtractText(text, s.cfg.Labels)}
	rec, err := s.builder.BuildFields(resp.Fields)
	if err != nil {
		resp.Error = err.Error()
	} else {
		resp.Event = rec
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	if s.poller == nil {
		writeError(w, http.StatusNotFound, "polling disabled")
		return
	}
	rep, err := s.poller.Poll(r.Context())
	s.RecordPoll(rep, err)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
