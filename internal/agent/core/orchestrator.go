package core

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/openmic/greenroom/config"
	"github.com/openmic/greenroom/internal/agent/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var orchestratorTracer trace.Tracer = otel.Tracer("greenroom/internal/agent/orchestrator")

// AnalysisStore is the persistence capability the orchestrator consumes.
type AnalysisStore interface {
	SaveAnalysis(ctx context.Context, a *Analysis, embedding []float32) error
	SaveSynthesis(ctx context.Context, read RoomRead) error
}

// Orchestrator fans a submitted line out to every configured perspective,
// reports each worker as it settles, and persists the partial aggregate
// before synthesis runs.
type Orchestrator struct {
	cfg         *config.Config
	logger      *log.Logger
	telemetry   *telemetry.Telemetry
	llm         LLMProvider
	worker      *PerspectiveWorker
	synthesizer *Synthesizer
	store       AnalysisStore
}

// NewOrchestrator creates an orchestrator with its provider, worker and
// synthesizer wired from config.
func NewOrchestrator(cfg *config.Config, logger *log.Logger, tele *telemetry.Telemetry, store AnalysisStore) (*Orchestrator, error) {
	llm, err := NewLLMProvider(cfg.LLM)
	if err != nil {
		return nil, fmt.Errorf("failed to create LLM provider: %w", err)
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[ORCH] ", log.LstdFlags)
	}
	return &Orchestrator{
		cfg:         cfg,
		logger:      logger,
		telemetry:   tele,
		llm:         llm,
		worker:      NewPerspectiveWorker(cfg, llm, tele, logger),
		synthesizer: NewSynthesizer(cfg, llm, tele, logger),
		store:       store,
	}, nil
}

// LLM exposes the orchestrator's underlying provider (used for embeddings).
func (o *Orchestrator) LLM() LLMProvider { return o.llm }

// Synthesizer exposes the synthesis step for the streaming session.
func (o *Orchestrator) Synthesizer() *Synthesizer { return o.synthesizer }

// Store exposes the persistence capability for the streaming session.
func (o *Orchestrator) Store() AnalysisStore { return o.store }

// Roles returns the perspectives to run: the configured subset, filtered to
// known roles, or the full set when none are configured.
func (o *Orchestrator) Roles() []Perspective {
	if len(o.cfg.Analysis.Perspectives) == 0 {
		return AllPerspectives
	}
	var roles []Perspective
	for _, name := range o.cfg.Analysis.Perspectives {
		p := Perspective(name)
		if KnownPerspective(p) {
			roles = append(roles, p)
		} else {
			o.logger.Printf("ignoring unknown perspective in config: %s", name)
		}
	}
	if len(roles) == 0 {
		return AllPerspectives
	}
	return roles
}

type workerOutcome struct {
	role     Perspective
	reaction Reaction
	err      error
}

// FanOut launches every role concurrently and appends each worker result to
// the analysis the moment it settles, invoking emit with a cumulative
// snapshot per completion. Worker failures are isolated: they are logged,
// counted and reported, never fatal. Returns once all workers settled.
func (o *Orchestrator) FanOut(ctx context.Context, a *Analysis, emit func(FanoutEvent)) []WorkerFailure {
	roles := o.Roles()
	ctx, span := orchestratorTracer.Start(ctx, "agent.fanout",
		trace.WithAttributes(
			attribute.String("analysis.id", a.ID),
			attribute.Int("fanout.roles", len(roles)),
		))
	defer span.End()

	o.telemetry.RecordAnalysisStart()

	outcomes := make(chan workerOutcome, len(roles))
	var wg sync.WaitGroup
	for _, role := range roles {
		wg.Add(1)
		go func(role Perspective) {
			defer wg.Done()
			wctx, wspan := orchestratorTracer.Start(ctx, "agent.perspective",
				trace.WithAttributes(attribute.String("perspective", string(role))))
			defer wspan.End()

			reaction, err := o.worker.Run(wctx, role, a.Line, a.ID)
			if err != nil {
				wspan.RecordError(err)
				wspan.SetStatus(codes.Error, err.Error())
			}
			outcomes <- workerOutcome{role: role, reaction: reaction, err: err}
		}(role)
	}
	go func() {
		wg.Wait()
		close(outcomes)
	}()

	// Single consumer: the aggregate is appended here only, in completion
	// order, so no lock is needed around the analysis itself.
	var failures []WorkerFailure
	for out := range outcomes {
		if out.err != nil {
			o.logger.Printf("skipping perspective %s: %v", out.role, out.err)
			o.telemetry.RecordPerspectiveFailure(string(out.role))
			f := WorkerFailure{Perspective: out.role, Reason: out.err.Error()}
			failures = append(failures, f)
			if emit != nil {
				emit(FanoutEvent{Failure: &f, Reactions: a.Reactions, Angles: a.Angles})
			}
			continue
		}
		r := out.reaction
		a.Reactions = append(a.Reactions, r)
		a.Angles = append(a.Angles, r.Angles...)
		if emit != nil {
			emit(FanoutEvent{Reaction: &r, Reactions: a.Reactions, Angles: a.Angles})
		}
	}

	span.SetAttributes(
		attribute.Int("fanout.succeeded", len(a.Reactions)),
		attribute.Int("fanout.failed", len(failures)),
	)
	return failures
}

// PersistPartial stores the settled aggregate (synthesis absent). The line
// embedding is best-effort: an embedder failure only disables semantic
// similarity for this analysis, it does not fail the persist.
func (o *Orchestrator) PersistPartial(ctx context.Context, a *Analysis) error {
	ctx, span := orchestratorTracer.Start(ctx, "agent.persist",
		trace.WithAttributes(attribute.String("analysis.id", a.ID)))
	defer span.End()

	var embedding []float32
	if vecs, err := o.llm.Embed(ctx, []string{a.Line}); err != nil {
		o.logger.Printf("embedding failed for %s: %v", a.ID, err)
	} else if len(vecs) > 0 {
		embedding = vecs[0]
	}

	if err := o.store.SaveAnalysis(ctx, a, embedding); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("persist analysis: %w", err)
	}
	return nil
}
