package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/nalgeon/be"

	"mailcal/internal/config"
	"mailcal/internal/event"
	"mailcal/internal/ledger"
	"mailcal/internal/pipeline"
)

type fakeHistory struct {
	entries []ledger.Entry
	limit   int
}

func (h *fakeHistory) Recent(_ context.Context, limit int) ([]ledger.Entry, error) {
	h.limit = limit
	return h.entries, nil
}

type fakePoller struct {
	rep pipeline.Report
	err error
}

func (p fakePoller) Poll(context.Context) (pipeline.Report, error) { return p.rep, p.err }

func newServer(t *testing.T, cfg *config.Config, h History, p Poller) *Server {
	t.Helper()
	b, err := event.NewBuilder(event.Config{TimeZone: cfg.Timezone, DefaultAttendee: "me@example.com"})
	be.Err(t, err, nil)
	return NewServer(cfg, h, b, p)
}

func do(t *testing.T, h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestHealth(t *testing.T) {
	s := newServer(t, config.DefaultConfig(), nil, nil)
	rr := do(t, s.Handler(), httptest.NewRequest(http.MethodGet, "/health", nil))
	be.Equal(t, rr.Code, http.StatusOK)
	be.Equal(t, rr.Body.String(), "OK")
}

func TestBasicAuth(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.BasicAuth = &config.BasicAuthConfig{Username: "admin", Password: "pw"}
	h := newServer(t, cfg, &fakeHistory{}, nil).Handler()

	rr := do(t, h, httptest.NewRequest(http.MethodGet, "/health", nil))
	be.Equal(t, rr.Code, http.StatusOK)

	rr = do(t, h, httptest.NewRequest(http.MethodGet, "/api/processed", nil))
	be.Equal(t, rr.Code, http.StatusUnauthorized)
	be.True(t, strings.Contains(rr.Header().Get("WWW-Authenticate"), "Basic"))

	req := httptest.NewRequest(http.MethodGet, "/api/processed", nil)
	req.SetBasicAuth("admin", "wrong")
	be.Equal(t, do(t, h, req).Code, http.StatusUnauthorized)

	req = httptest.NewRequest(http.MethodGet, "/api/processed", nil)
	req.SetBasicAuth("admin", "pw")
	be.Equal(t, do(t, h, req).Code, http.StatusOK)

	// half-configured credentials disable auth
	cfg.BasicAuth.Password = ""
	rr = do(t, newServer(t, cfg, &fakeHistory{}, nil).Handler(), httptest.NewRequest(http.MethodGet, "/api/processed", nil))
	be.Equal(t, rr.Code, http.StatusOK)
}

func TestProcessed(t *testing.T) {
	hist := &fakeHistory{entries: []ledger.Entry{
		{MessageID: "m1", Outcome: ledger.Created, Summary: "회의", Ref: "evt-1", At: time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC)},
	}}
	h := newServer(t, config.DefaultConfig(), hist, nil).Handler()

	rr := do(t, h, httptest.NewRequest(http.MethodGet, "/api/processed?limit=5", nil))
	be.Equal(t, rr.Code, http.StatusOK)
	be.Equal(t, hist.limit, 5)

	var got []ledger.Entry
	be.Err(t, json.Unmarshal(rr.Body.Bytes(), &got), nil)
	be.Equal(t, len(got), 1)
	be.Equal(t, got[0].Outcome, ledger.Created)

	do(t, h, httptest.NewRequest(http.MethodGet, "/api/processed?limit=abc", nil))
	be.Equal(t, hist.limit, 50)

	rr = do(t, newServer(t, config.DefaultConfig(), nil, nil).Handler(), httptest.NewRequest(http.MethodGet, "/api/processed", nil))
	be.Equal(t, rr.Code, http.StatusNotFound)
}

func decodeParse(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	be.Equal(t, rr.Code, http.StatusOK)
	var out map[string]any
	be.Err(t, json.Unmarshal(rr.Body.Bytes(), &out), nil)
	return out
}

func TestParseText(t *testing.T) {
	h := newServer(t, config.DefaultConfig(), nil, nil).Handler()

	req := httptest.NewRequest(http.MethodPost, "/api/parse", strings.NewReader("제목: 워크숍\n시간: 2026년 11월 2일 10시 반\n장소: 본사"))
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	out := decodeParse(t, do(t, h, req))

	fields := out["fields"].(map[string]any)
	be.Equal(t, fields["title"], "워크숍")
	be.Equal(t, fields["location"], "본사")
	ev := out["event"].(map[string]any)
	be.Equal(t, ev["start"].(map[string]any)["dateTime"], "2026-11-02T10:30:00")
	be.Equal(t, ev["end"].(map[string]any)["dateTime"], "2026-11-02T11:30:00")
	_, hasErr := out["error"]
	be.True(t, !hasErr)
}

func TestParseJSON(t *testing.T) {
	h := newServer(t, config.DefaultConfig(), nil, nil).Handler()

	req := httptest.NewRequest(http.MethodPost, "/api/parse",
		strings.NewReader(`{"data":"7KCc66qpOiDsoJDsi6wK7J287IucOiAyMDI264WEIDEw7JuUIDIx7J28IDEy7IucCg"}`))
	req.Header.Set("Content-Type", "application/json")
	out := decodeParse(t, do(t, h, req))
	be.Equal(t, out["event"].(map[string]any)["summary"], "점심")

	req = httptest.NewRequest(http.MethodPost, "/api/parse", strings.NewReader(`{"text":"제목: 미정"}`))
	req.Header.Set("Content-Type", "application/json")
	out = decodeParse(t, do(t, h, req))
	_, hasEvent := out["event"]
	be.True(t, !hasEvent)
	be.True(t, strings.Contains(out["error"].(string), "start time unresolved"))

	req = httptest.NewRequest(http.MethodPost, "/api/parse", strings.NewReader(`{`))
	req.Header.Set("Content-Type", "application/json")
	be.Equal(t, do(t, h, req).Code, http.StatusBadRequest)

	req = httptest.NewRequest(http.MethodPost, "/api/parse", strings.NewReader(`{"data":"%%%"}`))
	req.Header.Set("Content-Type", "application/json")
	be.Equal(t, do(t, h, req).Code, http.StatusBadRequest)

	be.Equal(t, do(t, h, httptest.NewRequest(http.MethodGet, "/api/parse", nil)).Code, http.StatusMethodNotAllowed)
}

func TestParseBodyLimit(t *testing.T) {
	h := newServer(t, config.DefaultConfig(), nil, nil).Handler()

	body := "제목: 워크숍\n" + strings.Repeat("x", maxParseBody)
	req := httptest.NewRequest(http.MethodPost, "/api/parse", strings.NewReader(body))
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	rr := do(t, h, req)
	be.Equal(t, rr.Code, http.StatusRequestEntityTooLarge)
	be.True(t, strings.Contains(rr.Body.String(), "body exceeds"))

	body = "제목: 워크숍\n" + strings.Repeat("x", maxParseBody-len("제목: 워크숍\n"))
	req = httptest.NewRequest(http.MethodPost, "/api/parse", strings.NewReader(body))
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	out := decodeParse(t, do(t, h, req))
	be.Equal(t, out["fields"].(map[string]any)["title"], "워크숍")
}

func TestPollAndStatus(t *testing.T) {
	s := newServer(t, config.DefaultConfig(), nil, fakePoller{rep: pipeline.Report{Listed: 3, Created: 1}})
	h := s.Handler()

	rr := do(t, h, httptest.NewRequest(http.MethodPost, "/api/poll", nil))
	be.Equal(t, rr.Code, http.StatusOK)
	var rep pipeline.Report
	be.Err(t, json.Unmarshal(rr.Body.Bytes(), &rep), nil)
	be.Equal(t, rep.Created, 1)

	rr = do(t, h, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	var st Status
	be.Err(t, json.Unmarshal(rr.Body.Bytes(), &st), nil)
	be.Equal(t, st.Report.Listed, 3)
	be.Equal(t, st.Error, "")

	s.RecordPoll(pipeline.Report{}, errors.New("imap down"))
	rr = do(t, h, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	be.Err(t, json.Unmarshal(rr.Body.Bytes(), &st), nil)
	be.Equal(t, st.Error, "imap down")

	failing := newServer(t, config.DefaultConfig(), nil, fakePoller{err: errors.New("boom")})
	be.Equal(t, do(t, failing.Handler(), httptest.NewRequest(http.MethodPost, "/api/poll", nil)).Code, http.StatusBadGateway)

	be.Equal(t, do(t, newServer(t, config.DefaultConfig(), nil, nil).Handler(),
		httptest.NewRequest(http.MethodPost, "/api/poll", nil)).Code, http.StatusNotFound)
}
