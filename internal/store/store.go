package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	core "github.com/openmic/greenroom/internal/agent/core"
)

// DefaultEmbeddingDimensions is the expected length of vectors stored in the
// pgvector column on analyses.
const DefaultEmbeddingDimensions = 1536

// Store is the durable document store for analyses: Postgres for the rows
// and embedding search, plus an in-memory lexical index as the similarity
// fallback.
type Store struct {
	DB      *sql.DB
	lexical *lexicalIndex
}

// HistoryItem is one row of the recency-ordered history listing.
type HistoryItem struct {
	AnalysisID string    `json:"analysis_id"`
	Line       string    `json:"line"`
	CreatedAt  time.Time `json:"created_at"`
}

// SimilarHit is one similarity-search result.
type SimilarHit struct {
	AnalysisID string  `json:"analysis_id"`
	Line       string  `json:"line"`
	Score      float64 `json:"score"`
}

// TrendPoint is one step in the divergence trend.
type TrendPoint struct {
	Day        string  `json:"day"`
	Divergence float64 `json:"divergence"`
}

// LabelCount is a label with an occurrence count, used by several insight
// aggregates.
type LabelCount struct {
	Label string `json:"label"`
	Count int    `json:"count"`
}

// NewWithDSN opens the database, verifies connectivity and warms the lexical
// index from the analyses already on disk.
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	s := &Store{DB: db, lexical: newLexicalIndex()}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	if err := s.rebuildLexical(ctx); err != nil {
		return nil, fmt.Errorf("rebuild lexical index: %w", err)
	}
	return s, nil
}

// ensureSchema is a no-op: migrations own the DDL.
func (s *Store) ensureSchema(ctx context.Context) error { return nil }

func (s *Store) rebuildLexical(ctx context.Context) error {
	if s.lexical == nil {
		return nil
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT id, line FROM analyses`)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var id, line string
		if err := rows.Scan(&id, &line); err != nil {
			return err
		}
		if err := s.lexical.Add(id, line); err != nil {
			return err
		}
	}
	return rows.Err()
}

// SaveAnalysis stores the aggregate as it stands: the analysis row (with its
// optional line embedding) and every reaction and angle accumulated so far.
// Reaction inserts are idempotent so a partial snapshot followed by a final
// save never duplicates rows.
func (s *Store) SaveAnalysis(ctx context.Context, a *core.Analysis, embedding []float32) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var vec interface{}
	if len(embedding) > 0 {
		lit, err := encodeVectorLiteral(embedding)
		if err != nil {
			return err
		}
		vec = lit
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO analyses (id, line, embedding, created_at)
VALUES ($1, $2, $3::vector, $4)
ON CONFLICT (id) DO UPDATE SET embedding = COALESCE(EXCLUDED.embedding, analyses.embedding)
`, a.ID, a.Line, vec, a.CreatedAt); err != nil {
		return fmt.Errorf("insert analysis: %w", err)
	}

	for _, r := range a.Reactions {
		tags, err := json.Marshal(r.Tags)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO reactions (id, analysis_id, perspective, reaction, funny, offense, relatability, tags, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (id) DO NOTHING
`, r.ID, r.AnalysisID, string(r.Perspective), r.Reaction, r.Funny, r.Offense, r.Relatability, tags, r.CreatedAt); err != nil {
			return fmt.Errorf("insert reaction: %w", err)
		}
	}
	for _, an := range a.Angles {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO angles (id, reaction_id, analysis_id, name, elaboration)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (id) DO NOTHING
`, an.ID, an.ReactionID, an.AnalysisID, an.Name, an.Elaboration); err != nil {
			return fmt.Errorf("insert angle: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	if s.lexical != nil {
		if err := s.lexical.Add(a.ID, a.Line); err != nil {
			return fmt.Errorf("index line: %w", err)
		}
	}
	return nil
}

// SaveSynthesis upserts the room read for an analysis.
func (s *Store) SaveSynthesis(ctx context.Context, read core.RoomRead) error {
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO syntheses (analysis_id, divergence, risk, conflict, explanation, recommendation, reasoning, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (analysis_id) DO UPDATE SET
  divergence = EXCLUDED.divergence,
  risk = EXCLUDED.risk,
  conflict = EXCLUDED.conflict,
  explanation = EXCLUDED.explanation,
  recommendation = EXCLUDED.recommendation,
  reasoning = EXCLUDED.reasoning,
  created_at = EXCLUDED.created_at
`, read.AnalysisID, read.Divergence, read.Risk, read.Conflict, read.Explanation, read.Recommendation, read.Reasoning, read.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert synthesis: %w", err)
	}
	return nil
}

// GetAnalysis loads the stored aggregate. reactionID, when non-empty,
// filters the reactions (and their angles) to a single unit. A missing
// analysis returns empty collections, not an error.
func (s *Store) GetAnalysis(ctx context.Context, analysisID, reactionID string) ([]core.Reaction, []core.Angle, *core.RoomRead, error) {
	q := `
SELECT id, perspective, reaction, funny, offense, relatability, tags, created_at
FROM reactions WHERE analysis_id = $1`
	args := []interface{}{analysisID}
	if reactionID != "" {
		q += ` AND id = $2`
		args = append(args, reactionID)
	}
	q += ` ORDER BY created_at ASC`

	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, nil, nil, err
	}
	defer rows.Close()
	reactions := []core.Reaction{}
	for rows.Next() {
		var (
			r        core.Reaction
			persp    string
			tagBytes []byte
		)
		if err := rows.Scan(&r.ID, &persp, &r.Reaction, &r.Funny, &r.Offense, &r.Relatability, &tagBytes, &r.CreatedAt); err != nil {
			return nil, nil, nil, err
		}
		r.AnalysisID = analysisID
		r.Perspective = core.Perspective(persp)
		if len(tagBytes) > 0 {
			_ = json.Unmarshal(tagBytes, &r.Tags)
		}
		reactions = append(reactions, r)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, nil, err
	}

	aq := `SELECT id, reaction_id, name, elaboration FROM angles WHERE analysis_id = $1`
	aargs := []interface{}{analysisID}
	if reactionID != "" {
		aq += ` AND reaction_id = $2`
		aargs = append(aargs, reactionID)
	}
	arows, err := s.DB.QueryContext(ctx, aq, aargs...)
	if err != nil {
		return nil, nil, nil, err
	}
	defer arows.Close()
	angles := []core.Angle{}
	for arows.Next() {
		var an core.Angle
		if err := arows.Scan(&an.ID, &an.ReactionID, &an.Name, &an.Elaboration); err != nil {
			return nil, nil, nil, err
		}
		an.AnalysisID = analysisID
		angles = append(angles, an)
	}
	if err := arows.Err(); err != nil {
		return nil, nil, nil, err
	}

	var read core.RoomRead
	err = s.DB.QueryRowContext(ctx, `
SELECT analysis_id, divergence, risk, conflict, explanation, recommendation, reasoning, created_at
FROM syntheses WHERE analysis_id = $1
`, analysisID).Scan(&read.AnalysisID, &read.Divergence, &read.Risk, &read.Conflict, &read.Explanation, &read.Recommendation, &read.Reasoning, &read.CreatedAt)
	if err == sql.ErrNoRows {
		return reactions, angles, nil, nil
	}
	if err != nil {
		return nil, nil, nil, err
	}
	return reactions, angles, &read, nil
}

// ListHistory returns analyses newest-first with the total count for
// pagination.
func (s *Store) ListHistory(ctx context.Context, limit, offset int) ([]HistoryItem, int, error) {
	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	var total int
	if err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM analyses`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, line, created_at FROM analyses
ORDER BY created_at DESC, id DESC
LIMIT $1 OFFSET $2
`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	items := []HistoryItem{}
	for rows.Next() {
		var it HistoryItem
		if err := rows.Scan(&it.AnalysisID, &it.Line, &it.CreatedAt); err != nil {
			return nil, 0, err
		}
		items = append(items, it)
	}
	return items, total, rows.Err()
}

// DeleteAnalysis removes an analysis and everything hanging off it. Returns
// the total number of rows removed across all tables.
func (s *Store) DeleteAnalysis(ctx context.Context, analysisID string) (int64, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var deleted int64
	for _, q := range []string{
		`DELETE FROM angles WHERE analysis_id = $1`,
		`DELETE FROM reactions WHERE analysis_id = $1`,
		`DELETE FROM syntheses WHERE analysis_id = $1`,
		`DELETE FROM analyses WHERE id = $1`,
	} {
		res, err := tx.ExecContext(ctx, q, analysisID)
		if err != nil {
			return 0, err
		}
		n, _ := res.RowsAffected()
		deleted += n
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	if s.lexical != nil {
		_ = s.lexical.Remove(analysisID)
	}
	return deleted, nil
}

// SearchByEmbedding ranks stored lines by cosine distance to the query
// vector. Score is 1-distance, clamped to [0,1].
func (s *Store) SearchByEmbedding(ctx context.Context, vector []float32, limit int, excludeID string) ([]SimilarHit, error) {
	if len(vector) == 0 {
		return nil, fmt.Errorf("vector must not be empty")
	}
	if limit <= 0 || limit > 10 {
		limit = 10
	}
	lit, err := encodeVectorLiteral(vector)
	if err != nil {
		return nil, err
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, line, embedding <=> $1::vector AS distance
FROM analyses
WHERE embedding IS NOT NULL AND ($2 = '' OR id <> $2)
ORDER BY embedding <=> $1::vector
LIMIT $3
`, lit, excludeID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var hits []SimilarHit
	for rows.Next() {
		var (
			hit      SimilarHit
			distance float64
		)
		if err := rows.Scan(&hit.AnalysisID, &hit.Line, &distance); err != nil {
			return nil, err
		}
		hit.Score = clampScore(1 - distance)
		hits = append(hits, hit)
	}
	return hits, rows.Err()
}

// SearchLexical ranks stored lines with the in-memory index. Used as the
// similarity fallback when no embedding path is available.
func (s *Store) SearchLexical(ctx context.Context, line string, limit int, excludeID string) ([]SimilarHit, error) {
	if s.lexical == nil {
		return nil, fmt.Errorf("lexical index not initialised")
	}
	if limit <= 0 || limit > 10 {
		limit = 10
	}
	return s.lexical.Search(line, limit, excludeID)
}

// CountAnalyses returns totals for the insights summary.
func (s *Store) CountAnalyses(ctx context.Context) (analyses, reactions int, err error) {
	if err = s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM analyses`).Scan(&analyses); err != nil {
		return 0, 0, err
	}
	if err = s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM reactions`).Scan(&reactions); err != nil {
		return 0, 0, err
	}
	return analyses, reactions, nil
}

// RiskDistribution counts syntheses per risk level.
func (s *Store) RiskDistribution(ctx context.Context) (map[string]int, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT risk, COUNT(*) FROM syntheses GROUP BY risk`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var risk string
		var n int
		if err := rows.Scan(&risk, &n); err != nil {
			return nil, err
		}
		out[risk] = n
	}
	return out, rows.Err()
}

// EnergyDistribution counts reactions per funny rating.
func (s *Store) EnergyDistribution(ctx context.Context) (map[string]int, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT funny, COUNT(*) FROM reactions GROUP BY funny`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var funny string
		var n int
		if err := rows.Scan(&funny, &n); err != nil {
			return nil, err
		}
		out[funny] = n
	}
	return out, rows.Err()
}

// DivergenceTrend returns the average divergence per day, oldest first.
func (s *Store) DivergenceTrend(ctx context.Context, days int) ([]TrendPoint, error) {
	if days <= 0 {
		days = 30
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT to_char(date_trunc('day', created_at), 'YYYY-MM-DD') AS day, AVG(divergence)
FROM syntheses
GROUP BY day ORDER BY day ASC
LIMIT $1
`, days)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []TrendPoint
	for rows.Next() {
		var p TrendPoint
		if err := rows.Scan(&p.Day, &p.Divergence); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// TopConflicts returns the most frequent canonical conflict labels.
func (s *Store) TopConflicts(ctx context.Context, limit int) ([]LabelCount, error) {
	if limit <= 0 {
		limit = 5
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT conflict, COUNT(*) AS n FROM syntheses
WHERE conflict NOT IN ('', 'none', 'none detected')
GROUP BY conflict ORDER BY n DESC
LIMIT $1
`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []LabelCount
	for rows.Next() {
		var lc LabelCount
		if err := rows.Scan(&lc.Label, &lc.Count); err != nil {
			return nil, err
		}
		out = append(out, lc)
	}
	return out, rows.Err()
}

// TopTagsByFunny returns the comedic-mechanic tags that most often appear on
// hot reactions.
func (s *Store) TopTagsByFunny(ctx context.Context, limit int) ([]LabelCount, error) {
	if limit <= 0 {
		limit = 5
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT tag, COUNT(*) AS n
FROM reactions, jsonb_array_elements_text(tags) AS tag
WHERE funny = 'hot'
GROUP BY tag ORDER BY n DESC
LIMIT $1
`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []LabelCount
	for rows.Next() {
		var lc LabelCount
		if err := rows.Scan(&lc.Label, &lc.Count); err != nil {
			return nil, err
		}
		out = append(out, lc)
	}
	return out, rows.Err()
}

func clampScore(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func encodeVectorLiteral(vec []float32) (string, error) {
	if len(vec) == 0 {
		return "", fmt.Errorf("vector must not be empty")
	}
	var builder strings.Builder
	builder.WriteByte('[')
	for i, f := range vec {
		if i > 0 {
			builder.WriteByte(',')
		}
		builder.WriteString(strconv.FormatFloat(float64(f), 'f', -1, 32))
	}
	builder.WriteByte(']')
	return builder.String(), nil
}
