package core

import (
	"context"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"testing"

	"github.com/openmic/greenroom/config"
)

type memStore struct {
	mu        sync.Mutex
	analyses  []*Analysis
	vectors   [][]float32
	syntheses []RoomRead
	saveErr   error
}

func (m *memStore) SaveAnalysis(ctx context.Context, a *Analysis, embedding []float32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.analyses = append(m.analyses, a)
	m.vectors = append(m.vectors, embedding)
	return nil
}

func (m *memStore) SaveSynthesis(ctx context.Context, read RoomRead) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.syntheses = append(m.syntheses, read)
	return nil
}

func testOrchestrator(cfg *config.Config, llm LLMProvider, st AnalysisStore) *Orchestrator {
	logger := log.New(io.Discard, "", 0)
	return &Orchestrator{
		cfg:         cfg,
		logger:      logger,
		llm:         llm,
		worker:      NewPerspectiveWorker(cfg, llm, nil, logger),
		synthesizer: NewSynthesizer(cfg, llm, nil, logger),
		store:       st,
	}
}

func TestFanOutAllPerspectivesSucceed(t *testing.T) {
	llm := &stubLLM{invoke: func(scope, prompt, model string) (interface{}, Usage, error) {
		return `{"reaction": "a take", "funny": "warm"}`, Usage{}, nil
	}}
	o := testOrchestrator(testConfig(), llm, &memStore{})

	a := &Analysis{ID: "an-1", Line: "line"}
	var events []FanoutEvent
	failures := o.FanOut(context.Background(), a, func(ev FanoutEvent) { events = append(events, ev) })

	if len(failures) != 0 {
		t.Fatalf("expected no failures, got %v", failures)
	}
	if len(a.Reactions) != len(AllPerspectives) {
		t.Fatalf("expected %d reactions, got %d", len(AllPerspectives), len(a.Reactions))
	}
	if len(events) != len(AllPerspectives) {
		t.Fatalf("expected one event per worker, got %d", len(events))
	}
	// cumulative snapshots grow monotonically
	for i, ev := range events {
		if len(ev.Reactions) != i+1 {
			t.Fatalf("event %d: expected %d cumulative reactions, got %d", i, i+1, len(ev.Reactions))
		}
	}
	seen := map[Perspective]bool{}
	for _, r := range a.Reactions {
		if seen[r.Perspective] {
			t.Fatalf("duplicate perspective %s", r.Perspective)
		}
		seen[r.Perspective] = true
	}
}

func TestFanOutIsolatesFailures(t *testing.T) {
	// two perspectives fail, the rest succeed
	failing := map[string]bool{string(PerspectiveCynic): true, string(PerspectiveEdgelord): true}
	llm := &stubLLM{invoke: func(scope, prompt, model string) (interface{}, Usage, error) {
		role := scope[strings.LastIndex(scope, "/")+1:]
		if failing[role] {
			return nil, Usage{}, fmt.Errorf("boom")
		}
		return `{"reaction": "a take", "funny": "warm"}`, Usage{}, nil
	}}
	o := testOrchestrator(testConfig(), llm, &memStore{})

	a := &Analysis{ID: "an-1", Line: "line"}
	var failureEvents int
	failures := o.FanOut(context.Background(), a, func(ev FanoutEvent) {
		if ev.Failure != nil {
			failureEvents++
		}
	})

	if len(failures) != 2 {
		t.Fatalf("expected 2 failures, got %d", len(failures))
	}
	if failureEvents != 2 {
		t.Fatalf("expected 2 failure events, got %d", failureEvents)
	}
	if want := len(AllPerspectives) - 2; len(a.Reactions) != want {
		t.Fatalf("expected %d reactions, got %d", want, len(a.Reactions))
	}
}

func TestFanOutAllPerspectivesFail(t *testing.T) {
	llm := &stubLLM{invoke: func(scope, prompt, model string) (interface{}, Usage, error) {
		return nil, Usage{}, fmt.Errorf("total outage")
	}}
	o := testOrchestrator(testConfig(), llm, &memStore{})

	a := &Analysis{ID: "an-1", Line: "line"}
	failures := o.FanOut(context.Background(), a, nil)

	if len(failures) != len(AllPerspectives) {
		t.Fatalf("expected every perspective to fail, got %d failures", len(failures))
	}
	if len(a.Reactions) != 0 {
		t.Fatalf("expected no reactions, got %d", len(a.Reactions))
	}
}

func TestRolesFiltersUnknownPerspectives(t *testing.T) {
	cfg := testConfig()
	cfg.Analysis.Perspectives = []string{"cynic", "heckler", "superfan"}
	o := testOrchestrator(cfg, &stubLLM{}, &memStore{})
	roles := o.Roles()
	if len(roles) != 2 {
		t.Fatalf("expected 2 known roles, got %v", roles)
	}

	cfg.Analysis.Perspectives = []string{"heckler"}
	if got := o.Roles(); len(got) != len(AllPerspectives) {
		t.Fatalf("all-unknown config must fall back to the full set, got %v", got)
	}
}

func TestPersistPartialStoresAggregate(t *testing.T) {
	llm := &stubLLM{embed: func(texts []string) ([][]float32, error) {
		return [][]float32{{0.1, 0.2, 0.3}}, nil
	}}
	st := &memStore{}
	o := testOrchestrator(testConfig(), llm, st)

	a := &Analysis{ID: "an-1", Line: "line", Reactions: sampleReactions(2)}
	if err := o.PersistPartial(context.Background(), a); err != nil {
		t.Fatalf("PersistPartial: %v", err)
	}
	if len(st.analyses) != 1 || st.analyses[0].ID != "an-1" {
		t.Fatalf("analysis not stored")
	}
	if len(st.vectors[0]) != 3 {
		t.Fatalf("expected embedding to reach the store")
	}
}

func TestPersistPartialToleratesEmbedderFailure(t *testing.T) {
	llm := &stubLLM{embed: func(texts []string) ([][]float32, error) {
		return nil, fmt.Errorf("embedder down")
	}}
	st := &memStore{}
	o := testOrchestrator(testConfig(), llm, st)

	a := &Analysis{ID: "an-1", Line: "line"}
	if err := o.PersistPartial(context.Background(), a); err != nil {
		t.Fatalf("embedder failure must not fail the persist: %v", err)
	}
	if len(st.analyses) != 1 {
		t.Fatalf("analysis not stored")
	}
	if st.vectors[0] != nil {
		t.Fatalf("expected nil embedding, got %v", st.vectors[0])
	}
}

func TestPersistPartialSurfacesStoreError(t *testing.T) {
	llm := &stubLLM{embed: func(texts []string) ([][]float32, error) { return nil, fmt.Errorf("no") }}
	st := &memStore{saveErr: fmt.Errorf("disk full")}
	o := testOrchestrator(testConfig(), llm, st)

	if err := o.PersistPartial(context.Background(), &Analysis{ID: "an-1"}); err == nil {
		t.Fatalf("expected store error to surface")
	}
}
