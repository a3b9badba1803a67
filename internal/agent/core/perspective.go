package core

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/openmic/greenroom/config"
	"github.com/openmic/greenroom/internal/agent/telemetry"
)

// personaPreambles flavor the perspective prompts. The set is fixed; config
// may narrow which roles run but never add new ones.
var personaPreambles = map[Perspective]string{
	PerspectiveLiteralist: "You take every word at face value. Wordplay annoys you unless it is airtight. You notice logical holes before anything else.",
	PerspectiveSuperfan:   "You love comedy and want every line to work. You laugh easily and look for what is charming or clever in the premise.",
	PerspectiveCynic:      "You have seen every open mic bit twice. You are tired, hard to impress, and allergic to hack premises.",
	PerspectiveAbsurdist:  "You judge a line by how far it bends reality. Safe observational humor bores you; committed weirdness delights you.",
	PerspectiveWholesome:  "You want comedy that punches up or at nobody. You flinch at meanness and reward warmth and self-deprecation.",
	PerspectiveEdgelord:   "You think comedy should have teeth. You respect risk and boldness and roll your eyes at anything sanitized.",
}

// PerspectiveWorker wraps one role-flavored call to the LLM capability and
// turns its opaque response into a Reaction.
type PerspectiveWorker struct {
	cfg       *config.Config
	llm       LLMProvider
	telemetry *telemetry.Telemetry
	logger    *log.Logger
}

// NewPerspectiveWorker creates a worker bound to a provider.
func NewPerspectiveWorker(cfg *config.Config, llm LLMProvider, tele *telemetry.Telemetry, logger *log.Logger) *PerspectiveWorker {
	if logger == nil {
		logger = log.New(log.Writer(), "[WORKER] ", log.LstdFlags)
	}
	return &PerspectiveWorker{cfg: cfg, llm: llm, telemetry: tele, logger: logger}
}

func (w *PerspectiveWorker) model() string {
	if m := w.cfg.LLM.Routing.Perspective; m != "" {
		return m
	}
	return w.cfg.LLM.Routing.Fallback
}

func (w *PerspectiveWorker) buildPrompt(role Perspective, line string) string {
	return fmt.Sprintf(`You are reacting to a single comedic line from a specific point of view.

PERSONA: %s

LINE: %q

Respond ONLY as strict JSON with keys:
{
  "reaction": string (2-3 sentences, in persona),
  "funny": "cold" | "warm" | "hot",
  "offense": "low" | "medium" | "high",
  "relatability": "low" | "medium" | "high",
  "tags": [string] (3-5 short descriptors of the line's comedic mechanics),
  "angles": [ { "name": string, "elaboration": string } ] (0-3 directions this line could be pushed further)
}
`, personaPreambles[role], line)
}

// Run executes one perspective against the line. Failures are isolated: an
// error return means this perspective is skipped, never that the analysis
// fails. The worker, not the model, is authoritative over identity and
// perspective; extracted content only fills the rest.
func (w *PerspectiveWorker) Run(ctx context.Context, role Perspective, line, analysisID string) (Reaction, error) {
	model := w.model()
	scope := analysisID + "/" + string(role)

	payload, usage, err := w.llm.Invoke(ctx, scope, w.buildPrompt(role, line), model)
	if err != nil {
		return Reaction{}, fmt.Errorf("perspective %s: %w", role, err)
	}
	w.telemetry.RecordLLMUsage(model, usage.InputTokens, usage.OutputTokens,
		w.llm.CalculateCost(usage.InputTokens, usage.OutputTokens, model))

	rec := Extract(payload)
	if rec == nil {
		return Reaction{}, fmt.Errorf("perspective %s: no usable output", role)
	}
	reaction, ok := reactionFromRecord(rec, role, analysisID)
	if !ok {
		return Reaction{}, fmt.Errorf("perspective %s: extracted record has neither reaction nor rating", role)
	}
	return reaction, nil
}

// reactionFromRecord normalises an extracted record into a Reaction. The
// minimal success shape is a reaction text or at least one rating; anything
// thinner is a failure. Deliberately permissive beyond that.
func reactionFromRecord(rec map[string]interface{}, role Perspective, analysisID string) (Reaction, bool) {
	text, _ := rec["reaction"].(string)
	text = strings.TrimSpace(text)
	funnyRaw, hasFunny := stringField(rec, "funny")
	offenseRaw, hasOffense := stringField(rec, "offense")
	relatRaw, hasRelat := stringField(rec, "relatability")
	if text == "" && !hasFunny && !hasOffense && !hasRelat {
		return Reaction{}, false
	}

	id := uuid.NewString()
	r := Reaction{
		ID:           id,
		AnalysisID:   analysisID,
		Perspective:  role, // forced to the requested role regardless of what the model echoed
		Reaction:     text,
		Funny:        normalizeOrdinal(funnyRaw, FunnyScale),
		Offense:      normalizeOrdinal(offenseRaw, OffenseScale),
		Relatability: normalizeOrdinal(relatRaw, RelatabilityScale),
		Tags:         stringSlice(rec["tags"]),
		CreatedAt:    time.Now().UTC(),
	}

	if raw, ok := rec["angles"].([]interface{}); ok {
		for i, el := range raw {
			m, ok := el.(map[string]interface{})
			if !ok {
				continue
			}
			name, _ := m["name"].(string)
			elab, _ := m["elaboration"].(string)
			if strings.TrimSpace(name) == "" && strings.TrimSpace(elab) == "" {
				continue
			}
			r.Angles = append(r.Angles, Angle{
				ID:          fmt.Sprintf("%s-angle-%d", id, i),
				ReactionID:  id,
				AnalysisID:  analysisID,
				Name:        strings.TrimSpace(name),
				Elaboration: strings.TrimSpace(elab),
			})
		}
	}
	return r, true
}

func stringField(rec map[string]interface{}, key string) (string, bool) {
	s, ok := rec[key].(string)
	s = strings.TrimSpace(s)
	return s, ok && s != ""
}

// normalizeOrdinal maps a raw value onto a fixed scale; anything
// unrecognised (including absence) lands on the middle of the scale.
func normalizeOrdinal(raw string, scale []string) string {
	v := strings.ToLower(strings.TrimSpace(raw))
	for _, s := range scale {
		if v == s {
			return s
		}
	}
	return scale[len(scale)/2]
}

func stringSlice(v interface{}) []string {
	raw, ok := v.([]interface{})
	if !ok {
		return nil
	}
	var out []string
	for _, el := range raw {
		if s, ok := el.(string); ok {
			s = strings.TrimSpace(s)
			if s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}
