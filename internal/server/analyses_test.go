package server

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/labstack/echo/v4"

	"github.com/openmic/greenroom/config"
	"github.com/openmic/greenroom/internal/agent/core"
	"github.com/openmic/greenroom/internal/store"
)

// fakeOpenAI serves the two provider endpoints the pipeline touches. The
// chat endpoint answers with a reaction record, or a synthesis record when
// the prompt asks for the room read.
func fakeOpenAI(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/chat/completions":
			var req struct {
				Messages []struct {
					Content string `json:"content"`
				} `json:"messages"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Messages) == 0 {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			content := `{"reaction": "a take", "funny": "warm", "offense": "low", "relatability": "medium", "tags": ["observational"]}`
			if strings.Contains(req.Messages[0].Content, "diverges") {
				content = `{"divergence": 40, "risk": "low", "conflict": "cynic vs superfan", "explanation": "mild split", "recommendation": "keep it"}`
			}
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"choices": []map[string]interface{}{
					{"message": map[string]string{"content": content}},
				},
				"usage": map[string]int{"prompt_tokens": 10, "completion_tokens": 5},
			})
		case "/embeddings":
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"data": []map[string]interface{}{
					{"embedding": []float64{0.1, 0.2}, "index": 0},
				},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

func serverTestConfig(baseURL string) *config.Config {
	cfg := &config.Config{}
	cfg.Server.KeepAliveInterval = time.Minute
	cfg.LLM.Providers = map[string]config.LLMProvider{
		"openai": {
			Type:    "openai",
			APIKey:  "test-key",
			BaseURL: baseURL,
			Models: map[string]config.LLMModel{
				"test-model": {Name: "test-model"},
			},
		},
	}
	cfg.LLM.Routing.Fallback = "test-model"
	cfg.Analysis.Perspectives = []string{"cynic", "superfan"}
	cfg.Analysis.SynthesisEnabled = true
	return cfg
}

func newTestHandler(t *testing.T, cfg *config.Config, st *store.Store) *AnalysesHandler {
	t.Helper()
	logger := log.New(io.Discard, "", 0)
	orch, err := core.NewOrchestrator(cfg, logger, nil, st)
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}
	return &AnalysesHandler{Store: st, Orch: orch, Cfg: cfg, Logger: logger}
}

func doRequest(h echo.HandlerFunc, method, target, body string, pathParams map[string]string) (*httptest.ResponseRecorder, error) {
	e := echo.New()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	for k, v := range pathParams {
		c.SetParamNames(k)
		c.SetParamValues(v)
	}
	return rec, h(c)
}

func TestSubmitRejectsBlankLine(t *testing.T) {
	h := &AnalysesHandler{Cfg: &config.Config{}, Logger: log.New(io.Discard, "", 0)}
	for _, body := range []string{`{"line": ""}`, `{"line": "   "}`, `{}`} {
		_, err := doRequest(h.submit, "POST", "/api/analyses", body, nil)
		he, ok := err.(*echo.HTTPError)
		if !ok || he.Code != http.StatusBadRequest {
			t.Fatalf("body %s: expected 400, got %v", body, err)
		}
	}
}

func TestSubmitStreamsFullLifecycle(t *testing.T) {
	ts := fakeOpenAI(t)
	defer ts.Close()

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO analyses`)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO reactions`)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO reactions`)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO syntheses`)).WillReturnResult(sqlmock.NewResult(0, 1))

	cfg := serverTestConfig(ts.URL)
	h := newTestHandler(t, cfg, &store.Store{DB: db})

	rec, err := doRequest(h.submit, "POST", "/api/analyses", `{"line": "my dog does my taxes now"}`, nil)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	events := parseSSE(t, rec.Body.String())
	counts := map[string]int{}
	for _, ev := range events {
		counts[ev.Name]++
	}
	if counts["start"] != 1 {
		t.Fatalf("expected one start event, got %d (events %v)", counts["start"], events)
	}
	if counts["result-primary"] != 2 {
		t.Fatalf("expected a result-primary per perspective, got %d", counts["result-primary"])
	}
	if counts["result-synthesis"] != 1 {
		t.Fatalf("expected one synthesis result, got %d", counts["result-synthesis"])
	}
	if counts["error"] != 0 {
		t.Fatalf("expected no error events, got %d", counts["error"])
	}
	if counts["done"] != 1 || events[len(events)-1].Name != "done" {
		t.Fatalf("stream must end with a single done event, got %v", events)
	}

	// cumulative: the last primary result carries both reactions
	var lastPrimary string
	for _, ev := range events {
		if ev.Name == "result-primary" {
			lastPrimary = ev.Data
		}
	}
	var snapshot struct {
		Reactions []core.Reaction `json:"reactions"`
	}
	if err := json.Unmarshal([]byte(lastPrimary), &snapshot); err != nil {
		t.Fatalf("unmarshal primary snapshot: %v", err)
	}
	if len(snapshot.Reactions) != 2 {
		t.Fatalf("expected cumulative snapshot of 2 reactions, got %d", len(snapshot.Reactions))
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSubmitEmitsErrorWhenPersistFails(t *testing.T) {
	ts := fakeOpenAI(t)
	defer ts.Close()

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO analyses`)).WillReturnError(io.ErrUnexpectedEOF)
	mock.ExpectRollback()

	cfg := serverTestConfig(ts.URL)
	cfg.Analysis.Perspectives = []string{"cynic"}
	h := newTestHandler(t, cfg, &store.Store{DB: db})

	rec, err := doRequest(h.submit, "POST", "/api/analyses", `{"line": "a line"}`, nil)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	events := parseSSE(t, rec.Body.String())
	counts := map[string]int{}
	for _, ev := range events {
		counts[ev.Name]++
	}
	if counts["error"] != 1 {
		t.Fatalf("expected one error event, got %d (events %v)", counts["error"], events)
	}
	if counts["result-synthesis"] != 0 {
		t.Fatalf("synthesis must not run after a failed persist")
	}
	if events[len(events)-1].Name != "done" {
		t.Fatalf("stream must still end with done, got %v", events)
	}
}

func TestGetMissingAnalysisReturnsEmptyCollections(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	mock.ExpectQuery(regexp.QuoteMeta(`FROM reactions`)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "perspective", "reaction", "funny", "offense", "relatability", "tags", "created_at"}))
	mock.ExpectQuery(regexp.QuoteMeta(`FROM angles`)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "reaction_id", "name", "elaboration"}))
	mock.ExpectQuery(regexp.QuoteMeta(`FROM syntheses`)).
		WillReturnRows(sqlmock.NewRows([]string{"analysis_id", "divergence", "risk", "conflict", "explanation", "recommendation", "reasoning", "created_at"}))

	h := &AnalysesHandler{Store: &store.Store{DB: db}, Cfg: &config.Config{}, Logger: log.New(io.Discard, "", 0)}
	rec, err := doRequest(h.get, "GET", "/api/analyses/missing", "", map[string]string{"id": "missing"})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	var out struct {
		Reactions []core.Reaction `json:"reactions"`
		Angles    []core.Angle    `json:"angles"`
		Synthesis *core.RoomRead  `json:"synthesis"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(out.Reactions) != 0 || len(out.Angles) != 0 || out.Synthesis != nil {
		t.Fatalf("expected empty collections, got %+v", out)
	}
}

func TestListHistoryHandler(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COUNT(*) FROM analyses`)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery(regexp.QuoteMeta(`ORDER BY created_at DESC`)).
		WithArgs(20, 0).
		WillReturnRows(sqlmock.NewRows([]string{"id", "line", "created_at"}).
			AddRow("an-1", "a line", time.Now().UTC()))

	h := &AnalysesHandler{Store: &store.Store{DB: db}, Cfg: &config.Config{}, Logger: log.New(io.Discard, "", 0)}
	rec, err := doRequest(h.listHistory, "GET", "/api/history", "", nil)
	if err != nil {
		t.Fatalf("listHistory: %v", err)
	}
	var out struct {
		Items []store.HistoryItem `json:"items"`
		Total int                 `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Total != 1 || len(out.Items) != 1 || out.Items[0].AnalysisID != "an-1" {
		t.Fatalf("unexpected history payload: %+v", out)
	}
}

func TestDeleteAnalysisHandlerNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	mock.ExpectBegin()
	for range [4]struct{}{} {
		mock.ExpectExec("DELETE FROM").WillReturnResult(sqlmock.NewResult(0, 0))
	}
	mock.ExpectCommit()

	h := &AnalysesHandler{Store: &store.Store{DB: db}, Cfg: &config.Config{}, Logger: log.New(io.Discard, "", 0)}
	_, err = doRequest(h.deleteAnalysis, "DELETE", "/api/history/missing", "", map[string]string{"id": "missing"})
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %v", err)
	}
}

func TestSimilarUsesEmbeddingSearch(t *testing.T) {
	ts := fakeOpenAI(t)
	defer ts.Close()

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	mock.ExpectQuery(regexp.QuoteMeta(`embedding <=> $1::vector`)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "line", "distance"}).
			AddRow("an-9", "near line", 0.25))

	cfg := serverTestConfig(ts.URL)
	h := newTestHandler(t, cfg, &store.Store{DB: db})

	rec, err := doRequest(h.similar, "POST", "/api/similar", `{"line": "my dog does my taxes", "limit": 3}`, nil)
	if err != nil {
		t.Fatalf("similar: %v", err)
	}
	var out struct {
		Similar []store.SimilarHit `json:"similar"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(out.Similar) != 1 || out.Similar[0].AnalysisID != "an-9" {
		t.Fatalf("unexpected hits: %+v", out.Similar)
	}
}

func TestSimilarRejectsBlankLine(t *testing.T) {
	h := &AnalysesHandler{Cfg: &config.Config{}, Logger: log.New(io.Discard, "", 0)}
	_, err := doRequest(h.similar, "POST", "/api/similar", `{"line": " "}`, nil)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %v", err)
	}
}
