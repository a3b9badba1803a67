package core

import (
	"context"
	"time"
)

// Perspective is one of the fixed reaction roles applied independently to the
// same submitted line.
type Perspective string

const (
	PerspectiveLiteralist Perspective = "literalist"
	PerspectiveSuperfan   Perspective = "superfan"
	PerspectiveCynic      Perspective = "cynic"
	PerspectiveAbsurdist  Perspective = "absurdist"
	PerspectiveWholesome  Perspective = "wholesome"
	PerspectiveEdgelord   Perspective = "edgelord"
)

// AllPerspectives is the full enumerated set, in dispatch order. Completion
// order of the fan-out is independent of this.
var AllPerspectives = []Perspective{
	PerspectiveLiteralist,
	PerspectiveSuperfan,
	PerspectiveCynic,
	PerspectiveAbsurdist,
	PerspectiveWholesome,
	PerspectiveEdgelord,
}

// KnownPerspective reports whether p names one of the fixed roles.
func KnownPerspective(p Perspective) bool {
	for _, k := range AllPerspectives {
		if k == p {
			return true
		}
	}
	return false
}

// Ordinal rating scales. The pipeline normalises whatever the model returns
// onto these; unrecognised values land on the middle of the scale.
var (
	FunnyScale       = []string{"cold", "warm", "hot"}
	OffenseScale     = []string{"low", "medium", "high"}
	RelatabilityScale = []string{"low", "medium", "high"}
)

// Reaction is one perspective's take on a submitted line.
type Reaction struct {
	ID           string      `json:"id"`
	AnalysisID   string      `json:"analysis_id"`
	Perspective  Perspective `json:"perspective"`
	Reaction     string      `json:"reaction"`
	Funny        string      `json:"funny"`        // cold | warm | hot
	Offense      string      `json:"offense"`      // low | medium | high
	Relatability string      `json:"relatability"` // low | medium | high
	Tags         []string    `json:"tags,omitempty"`
	Angles       []Angle     `json:"angles,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
}

// Angle is an exploration direction derived from a reaction. Angles are only
// ever minted as a byproduct of a successfully extracted reaction.
type Angle struct {
	ID          string `json:"id"` // <reaction_id>-angle-<n>
	ReactionID  string `json:"reaction_id"`
	AnalysisID  string `json:"analysis_id"`
	Name        string `json:"name"`
	Elaboration string `json:"elaboration"`
}

// RoomRead is the synthesized divergence/risk assessment over all reactions.
type RoomRead struct {
	AnalysisID     string    `json:"analysis_id"`
	Divergence     float64   `json:"divergence"` // conventionally 0-100, not enforced
	Risk           string    `json:"risk"`       // low | medium | high | unknown
	Conflict       string    `json:"conflict"`   // canonical "<a> vs <b>" pair label
	Explanation    string    `json:"explanation"`
	Recommendation string    `json:"recommendation"`
	Reasoning      string    `json:"reasoning,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Analysis is the aggregate root for one submitted line. Append-only during
// its active lifetime: stages add reactions, angles and at most one room
// read, nothing is mutated in place.
type Analysis struct {
	ID        string     `json:"id"`
	Line      string     `json:"line"`
	Reactions []Reaction `json:"reactions"` // completion order
	Angles    []Angle    `json:"angles"`
	Synthesis *RoomRead  `json:"synthesis,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// Usage reports token consumption for one provider call.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// LLMProvider is the opaque text-generation capability. Invoke returns a
// payload of no contractual shape; the extractor must handle whatever comes
// back. scope keys the conversational identity so concurrent perspectives
// never share context.
type LLMProvider interface {
	Invoke(ctx context.Context, scope string, prompt string, model string) (interface{}, Usage, error)
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	CalculateCost(inputTokens, outputTokens int64, model string) float64
}

// WorkerFailure records one perspective that produced no usable reaction.
// It is an isolated, non-fatal outcome, never a session error.
type WorkerFailure struct {
	Perspective Perspective `json:"perspective"`
	Reason      string      `json:"reason"`
}

// FanoutEvent is emitted by the orchestrator as each worker settles.
type FanoutEvent struct {
	Reaction *Reaction      // nil when the worker failed
	Failure  *WorkerFailure // nil when the worker succeeded
	// Cumulative snapshot at the time of emission, completion order.
	Reactions []Reaction
	Angles    []Angle
}
