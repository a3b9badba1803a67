package core

import (
	"context"
	"fmt"
	"log"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/openmic/greenroom/config"
	"github.com/openmic/greenroom/internal/agent/telemetry"
)

// Synthesizer produces the divergence/risk read over a settled fan-out.
type Synthesizer struct {
	cfg       *config.Config
	llm       LLMProvider
	telemetry *telemetry.Telemetry
	logger    *log.Logger
}

// NewSynthesizer creates a synthesizer bound to a provider.
func NewSynthesizer(cfg *config.Config, llm LLMProvider, tele *telemetry.Telemetry, logger *log.Logger) *Synthesizer {
	if logger == nil {
		logger = log.New(log.Writer(), "[SYNTH] ", log.LstdFlags)
	}
	return &Synthesizer{cfg: cfg, llm: llm, telemetry: tele, logger: logger}
}

func (s *Synthesizer) model() string {
	if m := s.cfg.LLM.Routing.Synthesis; m != "" {
		return m
	}
	return s.cfg.LLM.Routing.Fallback
}

// degenerateRead is returned without touching the LLM when fewer than two
// reactions exist: divergence over 0 or 1 perspectives is not meaningful.
func degenerateRead(analysisID string) RoomRead {
	return RoomRead{
		AnalysisID:     analysisID,
		Divergence:     0,
		Risk:           "low",
		Conflict:       "none",
		Explanation:    "Not enough perspectives completed to measure divergence.",
		Recommendation: "Resubmit the line or check provider availability.",
		CreatedAt:      time.Now().UTC(),
	}
}

// fallbackRead is the graceful-degradation record when the synthesis call
// produced nothing extractable. Synthesis failure never aborts an analysis.
func fallbackRead(analysisID string) RoomRead {
	return RoomRead{
		AnalysisID:     analysisID,
		Divergence:     0,
		Risk:           "unknown",
		Conflict:       "none detected",
		Explanation:    "Synthesis did not return a readable assessment.",
		Recommendation: "The individual perspective reactions above remain valid.",
		CreatedAt:      time.Now().UTC(),
	}
}

// Synthesize builds one prompt over every reaction, invokes the capability
// once and normalises the result. It never returns an error: degraded
// records stand in for every failure mode. The returned bool reports whether
// the LLM path succeeded (false covers both skip and fallback).
func (s *Synthesizer) Synthesize(ctx context.Context, analysisID, line string, reactions []Reaction) (RoomRead, bool) {
	if len(reactions) < 2 {
		return degenerateRead(analysisID), false
	}

	var sb strings.Builder
	for _, r := range reactions {
		fmt.Fprintf(&sb, "- %s: funny=%s offense=%s relatability=%s\n  %s\n",
			r.Perspective, r.Funny, r.Offense, r.Relatability, r.Reaction)
	}

	prompt := fmt.Sprintf(`Several distinct audience perspectives reacted to the comedic line %q:

%s
Assess how much the room diverges. Respond ONLY as strict JSON with keys:
{
  "divergence": number 0..100 (0 = unanimous, 100 = total split),
  "risk": "low" | "medium" | "high",
  "conflict": string ("<perspective A> vs <perspective B>", the two most opposed voices, or "none"),
  "explanation": string (one sentence on where the room splits),
  "recommendation": string (one actionable note for the writer),
  "reasoning": string (optional, your working)
}
`, line, sb.String())

	model := s.model()
	payload, usage, err := s.llm.Invoke(ctx, analysisID+"/synthesis", prompt, model)
	if err != nil {
		s.logger.Printf("synthesis call failed for %s: %v", analysisID, err)
		return fallbackRead(analysisID), false
	}
	s.telemetry.RecordLLMUsage(model, usage.InputTokens, usage.OutputTokens,
		s.llm.CalculateCost(usage.InputTokens, usage.OutputTokens, model))

	rec := ExtractSynthesis(payload)
	if rec == nil {
		s.logger.Printf("synthesis extraction failed for %s", analysisID)
		return fallbackRead(analysisID), false
	}
	return roomReadFromRecord(rec, analysisID), true
}

// synthesisRequired relaxes the reaction-shaped validity predicate for
// synthesis payloads, which carry a different field set.
var synthesisRequired = []string{"divergence", "risk", "conflict", "explanation", "recommendation"}

// ExtractSynthesis runs the same strategy chain as Extract but validates
// against the synthesis record shape.
func ExtractSynthesis(payload interface{}) map[string]interface{} {
	if payload == nil {
		return nil
	}
	for _, s := range extractChain {
		rec := func() (rec map[string]interface{}) {
			defer func() {
				if recover() != nil {
					rec = nil
				}
			}()
			return s.fn(payload)
		}()
		if rec == nil {
			continue
		}
		for _, f := range synthesisRequired {
			if v, ok := rec[f]; ok && v != nil {
				return rec
			}
		}
	}
	return nil
}

func roomReadFromRecord(rec map[string]interface{}, analysisID string) RoomRead {
	out := RoomRead{
		AnalysisID: analysisID,
		Risk:       "unknown",
		Conflict:   "none detected",
		CreatedAt:  time.Now().UTC(),
	}
	if v, ok := rec["divergence"].(float64); ok {
		out.Divergence = v
	}
	if v, ok := stringField(rec, "risk"); ok {
		switch r := strings.ToLower(v); r {
		case "low", "medium", "high", "unknown":
			out.Risk = r
		}
	}
	if v, ok := stringField(rec, "conflict"); ok {
		out.Conflict = CanonicalConflict(v)
	}
	if v, ok := stringField(rec, "explanation"); ok {
		out.Explanation = v
	}
	if v, ok := stringField(rec, "recommendation"); ok {
		out.Recommendation = v
	}
	if v, ok := stringField(rec, "reasoning"); ok {
		out.Reasoning = v
	}
	return out
}

var conflictPunct = regexp.MustCompile(`[^\p{L}\p{N}\s]`)
var conflictSpaces = regexp.MustCompile(`\s+`)

// CanonicalConflict normalises a two-party conflict label so that
// "A vs B" and "B vs. A" compare equal: lower-cased, punctuation stripped,
// operands alphabetically sorted, rejoined with " vs ". Idempotent. Labels
// that are not a two-party pair are cleaned but otherwise left alone.
func CanonicalConflict(label string) string {
	cleaned := strings.ToLower(strings.TrimSpace(label))
	cleaned = conflictPunct.ReplaceAllString(cleaned, "")
	cleaned = strings.TrimSpace(conflictSpaces.ReplaceAllString(cleaned, " "))
	if cleaned == "" {
		return cleaned
	}
	parts := strings.Split(" "+cleaned+" ", " vs ")
	if len(parts) != 2 {
		return cleaned
	}
	a := strings.TrimSpace(parts[0])
	b := strings.TrimSpace(parts[1])
	if a == "" || b == "" {
		return cleaned
	}
	ops := []string{a, b}
	sort.Strings(ops)
	return ops[0] + " vs " + ops[1]
}
