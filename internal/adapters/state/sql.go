package state

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/hugo-lorenzo-mato/gradient/internal/core"
)

//go:embed migrations/001_initial_schema.sql
var migrationV1 string

// migrations are applied in order; the index plus one is the version.
var migrations = []string{migrationV1}

const createMigrationsTable = `CREATE TABLE IF NOT EXISTS schema_migrations (
    version    INTEGER PRIMARY KEY,
    applied_at BIGINT NOT NULL
)`

// SQLStore implements core.Store on any sqlx database. Queries are written
// with ? placeholders and rebound for the driver.
type SQLStore struct {
	db *sqlx.DB
}

// NewSQLStore wraps an open database. It does not run migrations.
func NewSQLStore(db *sqlx.DB) *SQLStore {
	return &SQLStore{db: db}
}

// DB returns the underlying database handle.
func (s *SQLStore) DB() *sqlx.DB {
	return s.db
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate applies pending schema migrations.
func (s *SQLStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, createMigrationsTable); err != nil {
		return fmt.Errorf("creating schema_migrations: %w", err)
	}

	var version int
	if err := s.db.GetContext(ctx, &version, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations"); err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}

	for i := version; i < len(migrations); i++ {
		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return fmt.Errorf("beginning migration v%d: %w", i+1, err)
		}
		if _, err := tx.ExecContext(ctx, migrations[i]); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("applying migration v%d: %w", i+1, err)
		}
		if _, err := tx.ExecContext(ctx, s.db.Rebind("INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)"),
			i+1, time.Now().UnixNano()); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("recording migration v%d: %w", i+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration v%d: %w", i+1, err)
		}
	}
	return nil
}

// =============================================================================
// Row types
// =============================================================================

type aggregateRow struct {
	ClaimID          string          `db:"claim_id"`
	WeightedSum      float64         `db:"weighted_sum"`
	WeightTotal      float64         `db:"weight_total"`
	VoteCount        int             `db:"vote_count"`
	Gradient         float64         `db:"gradient"`
	ConsensusState   string          `db:"consensus_state"`
	Version          int64           `db:"version"`
	OpenedAt         int64           `db:"opened_at"`
	UpdatedAt        int64           `db:"updated_at"`
	ResolvedAt       sql.NullInt64   `db:"resolved_at"`
	ResolvedGradient sql.NullFloat64 `db:"resolved_gradient"`
}

func (r aggregateRow) toDomain() *core.ClaimAggregate {
	agg := &core.ClaimAggregate{
		ClaimID:        r.ClaimID,
		WeightedSum:    r.WeightedSum,
		WeightTotal:    r.WeightTotal,
		VoteCount:      r.VoteCount,
		Gradient:       r.Gradient,
		ConsensusState: core.ConsensusState(r.ConsensusState),
		Version:        r.Version,
		OpenedAt:       fromNanos(r.OpenedAt),
		UpdatedAt:      fromNanos(r.UpdatedAt),
	}
	if r.ResolvedAt.Valid {
		t := fromNanos(r.ResolvedAt.Int64)
		agg.ResolvedAt = &t
	}
	if r.ResolvedGradient.Valid {
		g := r.ResolvedGradient.Float64
		agg.ResolvedGradient = &g
	}
	return agg
}

type voteRow struct {
	ClaimID string  `db:"claim_id"`
	AgentID string  `db:"agent_id"`
	Value   float64 `db:"value"`
	Weight  float64 `db:"weight"`
	CastAt  int64   `db:"cast_at"`
}

func (r voteRow) toDomain() core.Vote {
	return core.Vote{
		ClaimID: r.ClaimID,
		AgentID: r.AgentID,
		Value:   r.Value,
		Weight:  r.Weight,
		CastAt:  fromNanos(r.CastAt),
	}
}

type agentRow struct {
	AgentID   string  `db:"agent_id"`
	Score     float64 `db:"score"`
	Tier      string  `db:"tier"`
	Version   int64   `db:"version"`
	CreatedAt int64   `db:"created_at"`
	UpdatedAt int64   `db:"updated_at"`
}

func (r agentRow) toDomain() (core.AgentReputation, error) {
	tier, err := core.ParseTier(r.Tier)
	if err != nil {
		return core.AgentReputation{}, err
	}
	return core.AgentReputation{
		AgentID:   r.AgentID,
		Score:     r.Score,
		Tier:      tier,
		Version:   r.Version,
		CreatedAt: fromNanos(r.CreatedAt),
		UpdatedAt: fromNanos(r.UpdatedAt),
	}, nil
}

type eventRow struct {
	EventID        string  `db:"event_id"`
	AgentID        string  `db:"agent_id"`
	Seq            int64   `db:"seq"`
	PreviousScore  float64 `db:"previous_score"`
	Delta          float64 `db:"delta"`
	RequestedDelta float64 `db:"requested_delta"`
	NewScore       float64 `db:"new_score"`
	Reason         string  `db:"reason"`
	RelatedClaimID string  `db:"related_claim_id"`
	ReferenceID    string  `db:"reference_id"`
	Note           string  `db:"note"`
	OccurredAt     int64   `db:"occurred_at"`
}

func (r eventRow) toDomain() core.ReputationEvent {
	return core.ReputationEvent{
		EventID:        r.EventID,
		AgentID:        r.AgentID,
		Seq:            r.Seq,
		PreviousScore:  r.PreviousScore,
		Delta:          r.Delta,
		RequestedDelta: r.RequestedDelta,
		NewScore:       r.NewScore,
		Reason:         core.Reason(r.Reason),
		RelatedClaimID: r.RelatedClaimID,
		ReferenceID:    r.ReferenceID,
		Note:           r.Note,
		OccurredAt:     fromNanos(r.OccurredAt),
	}
}

type resolvedVoteRow struct {
	AgentID       string  `db:"agent_id"`
	ClaimID       string  `db:"claim_id"`
	Value         float64 `db:"value"`
	FinalGradient float64 `db:"final_gradient"`
	Outcome       int     `db:"outcome"`
	CastAt        int64   `db:"cast_at"`
	ResolvedAt    int64   `db:"resolved_at"`
}

func (r resolvedVoteRow) toDomain() core.ResolvedVote {
	return core.ResolvedVote{
		AgentID:       r.AgentID,
		ClaimID:       r.ClaimID,
		Value:         r.Value,
		FinalGradient: r.FinalGradient,
		Outcome:       r.Outcome != 0,
		CastAt:        fromNanos(r.CastAt),
		ResolvedAt:    fromNanos(r.ResolvedAt),
	}
}

type gradientRow struct {
	ClaimID    string  `db:"claim_id"`
	Version    int64   `db:"version"`
	Gradient   float64 `db:"gradient"`
	VoteCount  int     `db:"vote_count"`
	RecordedAt int64   `db:"recorded_at"`
}

// toNanos stores the zero time as 0.
func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// =============================================================================
// Reads
// =============================================================================

// GetAggregate returns the claim's aggregate.
func (s *SQLStore) GetAggregate(ctx context.Context, claimID string) (*core.ClaimAggregate, error) {
	var row aggregateRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`
		SELECT claim_id, weighted_sum, weight_total, vote_count, gradient, consensus_state,
		       version, opened_at, updated_at, resolved_at, resolved_gradient
		FROM claim_aggregates WHERE claim_id = ?`), claimID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.UnknownClaim(claimID)
	}
	if err != nil {
		return nil, core.ErrStorage("loading aggregate", err)
	}
	return row.toDomain(), nil
}

// GetVote returns the agent's live vote, or nil.
func (s *SQLStore) GetVote(ctx context.Context, claimID, agentID string) (*core.Vote, error) {
	var row voteRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`
		SELECT claim_id, agent_id, value, weight, cast_at
		FROM votes WHERE claim_id = ? AND agent_id = ?`), claimID, agentID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, core.ErrStorage("loading vote", err)
	}
	v := row.toDomain()
	return &v, nil
}

// ListVotes returns the claim's live votes ordered by agent ID.
func (s *SQLStore) ListVotes(ctx context.Context, claimID string) ([]core.Vote, error) {
	var rows []voteRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`
		SELECT claim_id, agent_id, value, weight, cast_at
		FROM votes WHERE claim_id = ? ORDER BY agent_id`), claimID)
	if err != nil {
		return nil, core.ErrStorage("listing votes", err)
	}
	votes := make([]core.Vote, 0, len(rows))
	for _, r := range rows {
		votes = append(votes, r.toDomain())
	}
	return votes, nil
}

// GradientHistory returns up to limit points, newest first.
func (s *SQLStore) GradientHistory(ctx context.Context, claimID string, limit int) ([]core.GradientPoint, error) {
	var rows []gradientRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`
		SELECT claim_id, version, gradient, vote_count, recorded_at
		FROM gradient_history WHERE claim_id = ?
		ORDER BY version DESC LIMIT ?`), claimID, limit)
	if err != nil {
		return nil, core.ErrStorage("loading gradient history", err)
	}
	points := make([]core.GradientPoint, 0, len(rows))
	for _, r := range rows {
		points = append(points, core.GradientPoint{
			ClaimID:    r.ClaimID,
			Version:    r.Version,
			Gradient:   r.Gradient,
			VoteCount:  r.VoteCount,
			RecordedAt: fromNanos(r.RecordedAt),
		})
	}
	return points, nil
}

// GetAgent returns the agent's projection.
func (s *SQLStore) GetAgent(ctx context.Context, agentID string) (*core.AgentReputation, error) {
	var row agentRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`
		SELECT agent_id, score, tier, version, created_at, updated_at
		FROM agent_reputation WHERE agent_id = ?`), agentID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.UnknownAgent(agentID)
	}
	if err != nil {
		return nil, core.ErrStorage("loading agent", err)
	}
	a, err := row.toDomain()
	if err != nil {
		return nil, core.ErrStorage("decoding agent", err)
	}
	return &a, nil
}

// ListAgents returns every projection ordered by agent ID.
func (s *SQLStore) ListAgents(ctx context.Context) ([]core.AgentReputation, error) {
	var rows []agentRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT agent_id, score, tier, version, created_at, updated_at
		FROM agent_reputation ORDER BY agent_id`)
	if err != nil {
		return nil, core.ErrStorage("listing agents", err)
	}
	agents := make([]core.AgentReputation, 0, len(rows))
	for _, r := range rows {
		a, err := r.toDomain()
		if err != nil {
			return nil, core.ErrStorage("decoding agent", err)
		}
		agents = append(agents, a)
	}
	return agents, nil
}

// History returns the agent's events in Seq order.
func (s *SQLStore) History(ctx context.Context, agentID string) ([]core.ReputationEvent, error) {
	var rows []eventRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`
		SELECT event_id, agent_id, seq, previous_score, delta, requested_delta, new_score,
		       reason, related_claim_id, reference_id, note, occurred_at
		FROM reputation_events WHERE agent_id = ? ORDER BY seq`), agentID)
	if err != nil {
		return nil, core.ErrStorage("loading reputation history", err)
	}
	history := make([]core.ReputationEvent, 0, len(rows))
	for _, r := range rows {
		history = append(history, r.toDomain())
	}
	return history, nil
}

// ResolvedVotes returns the agent's attributions in resolution order.
func (s *SQLStore) ResolvedVotes(ctx context.Context, agentID string) ([]core.ResolvedVote, error) {
	var rows []resolvedVoteRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`
		SELECT agent_id, claim_id, value, final_gradient, outcome, cast_at, resolved_at
		FROM resolved_votes WHERE agent_id = ? ORDER BY resolved_at, claim_id`), agentID)
	if err != nil {
		return nil, core.ErrStorage("loading resolved votes", err)
	}
	votes := make([]core.ResolvedVote, 0, len(rows))
	for _, r := range rows {
		votes = append(votes, r.toDomain())
	}
	return votes, nil
}

// =============================================================================
// Commit
// =============================================================================

// Commit applies the changeset in one transaction. Version-guarded writes
// that touch no row roll the transaction back with CONCURRENT_MODIFICATION.
func (s *SQLStore) Commit(ctx context.Context, cs *core.Changeset) error {
	if cs.Empty() {
		return nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return core.ErrStorage("beginning transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	if w := cs.Aggregate; w != nil {
		if err := s.writeAggregate(ctx, tx, w); err != nil {
			return err
		}
	}
	if v := cs.PutVote; v != nil {
		_, err := tx.ExecContext(ctx, s.db.Rebind(`
			INSERT INTO votes (claim_id, agent_id, value, weight, cast_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (claim_id, agent_id) DO UPDATE SET
				value = excluded.value,
				weight = excluded.weight,
				cast_at = excluded.cast_at`),
			v.ClaimID, v.AgentID, v.Value, v.Weight, toNanos(v.CastAt))
		if err != nil {
			return core.ErrStorage("writing vote", err)
		}
	}
	if k := cs.DeleteVote; k != nil {
		_, err := tx.ExecContext(ctx, s.db.Rebind("DELETE FROM votes WHERE claim_id = ? AND agent_id = ?"),
			k.ClaimID, k.AgentID)
		if err != nil {
			return core.ErrStorage("deleting vote", err)
		}
	}
	for _, w := range cs.Agents {
		if err := s.writeAgent(ctx, tx, w); err != nil {
			return err
		}
	}
	for _, ev := range cs.Events {
		_, err := tx.ExecContext(ctx, s.db.Rebind(`
			INSERT INTO reputation_events (
				event_id, agent_id, seq, previous_score, delta, requested_delta, new_score,
				reason, related_claim_id, reference_id, note, occurred_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			ev.EventID, ev.AgentID, ev.Seq, ev.PreviousScore, ev.Delta, ev.RequestedDelta, ev.NewScore,
			string(ev.Reason), ev.RelatedClaimID, ev.ReferenceID, ev.Note, toNanos(ev.OccurredAt))
		if err != nil {
			return core.ErrStorage("appending reputation event", err)
		}
	}
	for _, rv := range cs.ResolvedVotes {
		_, err := tx.ExecContext(ctx, s.db.Rebind(`
			INSERT INTO resolved_votes (agent_id, claim_id, value, final_gradient, outcome, cast_at, resolved_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (agent_id, claim_id) DO NOTHING`),
			rv.AgentID, rv.ClaimID, rv.Value, rv.FinalGradient, boolToInt(rv.Outcome),
			toNanos(rv.CastAt), toNanos(rv.ResolvedAt))
		if err != nil {
			return core.ErrStorage("recording resolved vote", err)
		}
	}
	if p := cs.GradientPoint; p != nil {
		_, err := tx.ExecContext(ctx, s.db.Rebind(`
			INSERT INTO gradient_history (claim_id, version, gradient, vote_count, recorded_at)
			VALUES (?, ?, ?, ?, ?)`),
			p.ClaimID, p.Version, p.Gradient, p.VoteCount, toNanos(p.RecordedAt))
		if err != nil {
			return core.ErrStorage("recording gradient point", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return core.ErrStorage("committing transaction", err)
	}
	return nil
}

func (s *SQLStore) writeAggregate(ctx context.Context, tx *sqlx.Tx, w *core.AggregateWrite) error {
	a := w.Aggregate
	var resolvedAt sql.NullInt64
	if a.ResolvedAt != nil {
		resolvedAt = sql.NullInt64{Int64: toNanos(*a.ResolvedAt), Valid: true}
	}
	var resolvedGradient sql.NullFloat64
	if a.ResolvedGradient != nil {
		resolvedGradient = sql.NullFloat64{Float64: *a.ResolvedGradient, Valid: true}
	}

	var (
		res sql.Result
		err error
	)
	if w.ExpectedVersion == 0 {
		res, err = tx.ExecContext(ctx, s.db.Rebind(`
			INSERT INTO claim_aggregates (
				claim_id, weighted_sum, weight_total, vote_count, gradient, consensus_state,
				version, opened_at, updated_at, resolved_at, resolved_gradient
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (claim_id) DO NOTHING`),
			a.ClaimID, a.WeightedSum, a.WeightTotal, a.VoteCount, a.Gradient, string(a.ConsensusState),
			a.Version, toNanos(a.OpenedAt), toNanos(a.UpdatedAt), resolvedAt, resolvedGradient)
	} else {
		res, err = tx.ExecContext(ctx, s.db.Rebind(`
			UPDATE claim_aggregates SET
				weighted_sum = ?, weight_total = ?, vote_count = ?, gradient = ?,
				consensus_state = ?, version = ?, opened_at = ?, updated_at = ?,
				resolved_at = ?, resolved_gradient = ?
			WHERE claim_id = ? AND version = ?`),
			a.WeightedSum, a.WeightTotal, a.VoteCount, a.Gradient,
			string(a.ConsensusState), a.Version, toNanos(a.OpenedAt), toNanos(a.UpdatedAt),
			resolvedAt, resolvedGradient,
			a.ClaimID, w.ExpectedVersion)
	}
	if err != nil {
		return core.ErrStorage("writing aggregate", err)
	}
	return expectOneRow(res, "claim", a.ClaimID, w.ExpectedVersion)
}

func (s *SQLStore) writeAgent(ctx context.Context, tx *sqlx.Tx, w core.AgentWrite) error {
	a := w.Agent
	var (
		res sql.Result
		err error
	)
	if w.Create {
		res, err = tx.ExecContext(ctx, s.db.Rebind(`
			INSERT INTO agent_reputation (agent_id, score, tier, version, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (agent_id) DO NOTHING`),
			a.AgentID, a.Score, a.Tier.String(), a.Version, toNanos(a.CreatedAt), toNanos(a.UpdatedAt))
	} else {
		res, err = tx.ExecContext(ctx, s.db.Rebind(`
			UPDATE agent_reputation SET score = ?, tier = ?, version = ?, updated_at = ?
			WHERE agent_id = ? AND version = ?`),
			a.Score, a.Tier.String(), a.Version, toNanos(a.UpdatedAt),
			a.AgentID, w.ExpectedVersion)
	}
	if err != nil {
		return core.ErrStorage("writing agent", err)
	}
	return expectOneRow(res, "agent", a.AgentID, w.ExpectedVersion)
}

func expectOneRow(res sql.Result, resource, id string, expected int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return core.ErrStorage("reading rows affected", err)
	}
	if n != 1 {
		return core.ConcurrentModification(resource, id, expected)
	}
	return nil
}
