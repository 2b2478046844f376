// Package sqlite provides the SQLite-backed store for signatures,
// candidates, procedures, attempts, episodes, and diagnostic reports.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/fyrsmithlabs/mendd/internal/escalation"
	"github.com/fyrsmithlabs/mendd/internal/remediation"
	"github.com/fyrsmithlabs/mendd/internal/scoring"
	"github.com/fyrsmithlabs/mendd/internal/signature"
)

//go:embed migrations/001_initial_schema.up.sql
var migrationSQL string

// IDGenerator mints row ids for rows the store creates itself.
type IDGenerator func() string

// Store is the SQLite-backed implementation of the signature, remediation,
// and escalation store interfaces. Score updates run inside transactions so
// concurrent outcome reports never interleave a read-modify-write.
type Store struct {
	db    *sql.DB
	newID IDGenerator
}

// New opens the database at path, applies pragmas and migrations, and
// returns the store. Use ":memory:" for an ephemeral store in tests.
func New(path string, newID IDGenerator) (*Store, error) {
	if path == "" {
		return nil, errors.New("database path is required")
	}
	if newID == nil {
		return nil, errors.New("id generator is required")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA temp_store=MEMORY",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("setting pragma: %w", err)
		}
	}

	if _, err := db.Exec(migrationSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db, newID: newID}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func nanos(t time.Time) int64 {
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

// --- signature.Store ---

const signatureColumns = "id, pattern, category, procedure_ref, score, usage_count, success_count, last_used_at, created_at"

func scanSignature(row interface{ Scan(...any) error }) (*signature.Signature, error) {
	var sig signature.Signature
	var lastUsed, created int64
	err := row.Scan(&sig.ID, &sig.Pattern, &sig.Category, &sig.ProcedureRef,
		&sig.Score, &sig.UsageCount, &sig.SuccessCount, &lastUsed, &created)
	if err != nil {
		return nil, err
	}
	sig.LastUsedAt = fromNanos(lastUsed)
	sig.CreatedAt = fromNanos(created)
	return &sig, nil
}

// ListSignatures returns all signatures in insertion order.
func (s *Store) ListSignatures(ctx context.Context) ([]*signature.Signature, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+signatureColumns+" FROM signatures ORDER BY rowid")
	if err != nil {
		return nil, fmt.Errorf("listing signatures: %w", err)
	}
	defer rows.Close()

	var sigs []*signature.Signature
	for rows.Next() {
		sig, err := scanSignature(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning signature: %w", err)
		}
		sigs = append(sigs, sig)
	}
	return sigs, rows.Err()
}

// InsertSignature persists a new signature.
func (s *Store) InsertSignature(ctx context.Context, sig *signature.Signature) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO signatures (id, pattern, category, procedure_ref, score, usage_count, success_count, last_used_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sig.ID, sig.Pattern, sig.Category, sig.ProcedureRef,
		sig.Score, sig.UsageCount, sig.SuccessCount,
		nanos(sig.LastUsedAt), nanos(sig.CreatedAt))
	if err != nil {
		return fmt.Errorf("inserting signature: %w", err)
	}
	return nil
}

// GetSignatureByPattern returns the signature with the given pattern.
func (s *Store) GetSignatureByPattern(ctx context.Context, pattern string) (*signature.Signature, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+signatureColumns+" FROM signatures WHERE pattern = ?", pattern)
	sig, err := scanSignature(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, signature.ErrSignatureNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting signature by pattern: %w", err)
	}
	return sig, nil
}

func (s *Store) getSignatureTx(ctx context.Context, tx *sql.Tx, id string) (*signature.Signature, error) {
	row := tx.QueryRowContext(ctx,
		"SELECT "+signatureColumns+" FROM signatures WHERE id = ?", id)
	sig, err := scanSignature(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, signature.ErrSignatureNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting signature: %w", err)
	}
	return sig, nil
}

// TouchSignatureUsage atomically increments the usage count and stamps
// last-used.
func (s *Store) TouchSignatureUsage(ctx context.Context, id string, at time.Time) (*signature.Signature, error) {
	var sig *signature.Signature
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		cur, err := s.getSignatureTx(ctx, tx, id)
		if err != nil {
			return err
		}
		cur.UsageCount++
		cur.LastUsedAt = at
		if _, err := tx.ExecContext(ctx,
			"UPDATE signatures SET usage_count = ?, last_used_at = ? WHERE id = ?",
			cur.UsageCount, nanos(at), id); err != nil {
			return fmt.Errorf("touching signature usage: %w", err)
		}
		sig = cur
		return nil
	})
	return sig, err
}

// UpdateSignatureScore applies the outcome to the success count and
// recomputes the score from the current counts, all in one transaction.
func (s *Store) UpdateSignatureScore(ctx context.Context, id string, success bool) (*signature.Signature, error) {
	var sig *signature.Signature
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		cur, err := s.getSignatureTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if success {
			cur.SuccessCount++
		}
		cur.Score = scoring.Clamp(scoring.Score(cur.SuccessCount, cur.UsageCount, success))
		if _, err := tx.ExecContext(ctx,
			"UPDATE signatures SET success_count = ?, score = ? WHERE id = ?",
			cur.SuccessCount, cur.Score, id); err != nil {
			return fmt.Errorf("updating signature score: %w", err)
		}
		sig = cur
		return nil
	})
	return sig, err
}

// --- candidates ---

const candidateColumns = "id, keyword, category, confidence, observations, first_seen_at, last_seen_at"

func scanCandidate(row interface{ Scan(...any) error }) (*signature.Candidate, error) {
	var cand signature.Candidate
	var first, last int64
	err := row.Scan(&cand.ID, &cand.Keyword, &cand.Category,
		&cand.Confidence, &cand.Observations, &first, &last)
	if err != nil {
		return nil, err
	}
	cand.FirstSeenAt = fromNanos(first)
	cand.LastSeenAt = fromNanos(last)
	return &cand, nil
}

// ObserveCandidate increments the observation count for the keyword cluster,
// creating the candidate on first observation.
func (s *Store) ObserveCandidate(ctx context.Context, keyword string, smoothingK int, at time.Time) (*signature.Candidate, error) {
	var cand *signature.Candidate
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			"SELECT "+candidateColumns+" FROM candidates WHERE keyword = ?", keyword)
		cur, err := scanCandidate(row)
		if errors.Is(err, sql.ErrNoRows) {
			cur = &signature.Candidate{
				ID:          s.newID(),
				Keyword:     keyword,
				Category:    signature.CategoryLearned,
				FirstSeenAt: at,
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO candidates (id, keyword, category, confidence, observations, first_seen_at, last_seen_at)
				 VALUES (?, ?, ?, 0, 0, ?, ?)`,
				cur.ID, cur.Keyword, cur.Category, nanos(at), nanos(at)); err != nil {
				return fmt.Errorf("inserting candidate: %w", err)
			}
		} else if err != nil {
			return fmt.Errorf("getting candidate: %w", err)
		}

		cur.Observations++
		cur.Confidence = scoring.CandidateConfidence(cur.Observations, smoothingK)
		cur.LastSeenAt = at
		if _, err := tx.ExecContext(ctx,
			"UPDATE candidates SET observations = ?, confidence = ?, last_seen_at = ? WHERE id = ?",
			cur.Observations, cur.Confidence, nanos(at), cur.ID); err != nil {
			return fmt.Errorf("updating candidate: %w", err)
		}
		cand = cur
		return nil
	})
	return cand, err
}

// ListCandidates returns all candidates, most observed first.
func (s *Store) ListCandidates(ctx context.Context) ([]*signature.Candidate, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+candidateColumns+" FROM candidates ORDER BY observations DESC, keyword")
	if err != nil {
		return nil, fmt.Errorf("listing candidates: %w", err)
	}
	defer rows.Close()

	var cands []*signature.Candidate
	for rows.Next() {
		cand, err := scanCandidate(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning candidate: %w", err)
		}
		cands = append(cands, cand)
	}
	return cands, rows.Err()
}

// GetCandidate returns a candidate by id.
func (s *Store) GetCandidate(ctx context.Context, id string) (*signature.Candidate, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+candidateColumns+" FROM candidates WHERE id = ?", id)
	cand, err := scanCandidate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, signature.ErrCandidateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting candidate: %w", err)
	}
	return cand, nil
}

// DeleteCandidate removes a candidate.
func (s *Store) DeleteCandidate(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM candidates WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting candidate: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return signature.ErrCandidateNotFound
	}
	return nil
}

// --- remediation.Store ---

const procedureColumns = "id, category, steps, score, usage_count, success_count, last_used_at, created_at"

func scanProcedure(row interface{ Scan(...any) error }) (*remediation.Procedure, error) {
	var proc remediation.Procedure
	var steps string
	var lastUsed, created int64
	err := row.Scan(&proc.ID, &proc.Category, &steps,
		&proc.Score, &proc.UsageCount, &proc.SuccessCount, &lastUsed, &created)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(steps), &proc.Steps); err != nil {
		return nil, fmt.Errorf("decoding procedure steps: %w", err)
	}
	proc.LastUsedAt = fromNanos(lastUsed)
	proc.CreatedAt = fromNanos(created)
	return &proc, nil
}

// ListProcedures returns all procedures in insertion order.
func (s *Store) ListProcedures(ctx context.Context) ([]*remediation.Procedure, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+procedureColumns+" FROM procedures ORDER BY rowid")
	if err != nil {
		return nil, fmt.Errorf("listing procedures: %w", err)
	}
	defer rows.Close()

	var procs []*remediation.Procedure
	for rows.Next() {
		proc, err := scanProcedure(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning procedure: %w", err)
		}
		procs = append(procs, proc)
	}
	return procs, rows.Err()
}

// GetProcedureByCategory returns the category's procedure.
func (s *Store) GetProcedureByCategory(ctx context.Context, category string) (*remediation.Procedure, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+procedureColumns+" FROM procedures WHERE category = ?", category)
	proc, err := scanProcedure(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, remediation.ErrProcedureNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting procedure by category: %w", err)
	}
	return proc, nil
}

// InsertProcedure persists a new procedure.
func (s *Store) InsertProcedure(ctx context.Context, proc *remediation.Procedure) error {
	steps, err := json.Marshal(proc.Steps)
	if err != nil {
		return fmt.Errorf("encoding procedure steps: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO procedures (id, category, steps, score, usage_count, success_count, last_used_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		proc.ID, proc.Category, string(steps),
		proc.Score, proc.UsageCount, proc.SuccessCount,
		nanos(proc.LastUsedAt), nanos(proc.CreatedAt))
	if err != nil {
		return fmt.Errorf("inserting procedure: %w", err)
	}
	return nil
}

// UpdateProcedureScore atomically increments the usage count, applies the
// outcome to the success count, recomputes the score, and stamps last-used.
func (s *Store) UpdateProcedureScore(ctx context.Context, id string, success bool) (*remediation.Procedure, error) {
	var proc *remediation.Procedure
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			"SELECT "+procedureColumns+" FROM procedures WHERE id = ?", id)
		cur, err := scanProcedure(row)
		if errors.Is(err, sql.ErrNoRows) {
			return remediation.ErrProcedureNotFound
		}
		if err != nil {
			return fmt.Errorf("getting procedure: %w", err)
		}

		cur.UsageCount++
		if success {
			cur.SuccessCount++
		}
		cur.Score = scoring.Clamp(scoring.Score(cur.SuccessCount, cur.UsageCount, success))
		cur.LastUsedAt = time.Now()
		if _, err := tx.ExecContext(ctx,
			"UPDATE procedures SET usage_count = ?, success_count = ?, score = ?, last_used_at = ? WHERE id = ?",
			cur.UsageCount, cur.SuccessCount, cur.Score, nanos(cur.LastUsedAt), id); err != nil {
			return fmt.Errorf("updating procedure score: %w", err)
		}
		proc = cur
		return nil
	})
	return proc, err
}

// InsertAttempt appends an immutable attempt record.
func (s *Store) InsertAttempt(ctx context.Context, attempt *remediation.Attempt) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO attempts (id, target_id, message, category, procedure_id, success, failed_step, duration_ns, number, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		attempt.ID, attempt.TargetID, attempt.Message, attempt.Category,
		attempt.ProcedureID, boolToInt(attempt.Success), attempt.FailedStep,
		int64(attempt.Duration), attempt.Number, nanos(attempt.CreatedAt))
	if err != nil {
		return fmt.Errorf("inserting attempt: %w", err)
	}
	return nil
}

// ListAttemptsSince returns the target's attempts at or after since, oldest
// first.
func (s *Store) ListAttemptsSince(ctx context.Context, targetID string, since time.Time) ([]*remediation.Attempt, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, target_id, message, category, procedure_id, success, failed_step, duration_ns, number, created_at
		 FROM attempts WHERE target_id = ? AND created_at >= ? ORDER BY created_at, rowid`,
		targetID, nanos(since))
	if err != nil {
		return nil, fmt.Errorf("listing attempts: %w", err)
	}
	defer rows.Close()

	var attempts []*remediation.Attempt
	for rows.Next() {
		var a remediation.Attempt
		var success int
		var duration, created int64
		if err := rows.Scan(&a.ID, &a.TargetID, &a.Message, &a.Category,
			&a.ProcedureID, &success, &a.FailedStep, &duration, &a.Number, &created); err != nil {
			return nil, fmt.Errorf("scanning attempt: %w", err)
		}
		a.Success = success != 0
		a.Duration = time.Duration(duration)
		a.CreatedAt = fromNanos(created)
		attempts = append(attempts, &a)
	}
	return attempts, rows.Err()
}

// --- escalation.Store ---

// GetEpisode returns the target's episode.
func (s *Store) GetEpisode(ctx context.Context, targetID string) (*escalation.Episode, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT target_id, state, consecutive_failures, total_failures, first_failure_at, episode_started_at, last_failure_at, updated_at
		 FROM episodes WHERE target_id = ?`, targetID)
	ep, err := scanEpisode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, escalation.ErrEpisodeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting episode: %w", err)
	}
	return ep, nil
}

func scanEpisode(row interface{ Scan(...any) error }) (*escalation.Episode, error) {
	var ep escalation.Episode
	var state string
	var first, started, last, updated int64
	err := row.Scan(&ep.TargetID, &state, &ep.ConsecutiveFailures, &ep.TotalFailures,
		&first, &started, &last, &updated)
	if err != nil {
		return nil, err
	}
	ep.State = escalation.State(state)
	ep.FirstFailureAt = fromNanos(first)
	ep.EpisodeStartedAt = fromNanos(started)
	ep.LastFailureAt = fromNanos(last)
	ep.UpdatedAt = fromNanos(updated)
	return &ep, nil
}

// SaveEpisode inserts or updates an episode.
func (s *Store) SaveEpisode(ctx context.Context, ep *escalation.Episode) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO episodes (target_id, state, consecutive_failures, total_failures, first_failure_at, episode_started_at, last_failure_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(target_id) DO UPDATE SET
		   state = excluded.state,
		   consecutive_failures = excluded.consecutive_failures,
		   total_failures = excluded.total_failures,
		   first_failure_at = excluded.first_failure_at,
		   episode_started_at = excluded.episode_started_at,
		   last_failure_at = excluded.last_failure_at,
		   updated_at = excluded.updated_at`,
		ep.TargetID, string(ep.State), ep.ConsecutiveFailures, ep.TotalFailures,
		nanos(ep.FirstFailureAt), nanos(ep.EpisodeStartedAt),
		nanos(ep.LastFailureAt), nanos(ep.UpdatedAt))
	if err != nil {
		return fmt.Errorf("saving episode: %w", err)
	}
	return nil
}

// ListEpisodes returns all episodes ordered by target id.
func (s *Store) ListEpisodes(ctx context.Context) ([]*escalation.Episode, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT target_id, state, consecutive_failures, total_failures, first_failure_at, episode_started_at, last_failure_at, updated_at
		 FROM episodes ORDER BY target_id`)
	if err != nil {
		return nil, fmt.Errorf("listing episodes: %w", err)
	}
	defer rows.Close()

	var eps []*escalation.Episode
	for rows.Next() {
		ep, err := scanEpisode(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning episode: %w", err)
		}
		eps = append(eps, ep)
	}
	return eps, rows.Err()
}

// InsertReport persists an immutable diagnostic report as a JSON document.
func (s *Store) InsertReport(ctx context.Context, report *escalation.Report) error {
	payload, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("encoding report: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO reports (id, target_id, generated_at, payload) VALUES (?, ?, ?, ?)",
		report.ID, report.TargetID, nanos(report.GeneratedAt), string(payload))
	if err != nil {
		return fmt.Errorf("inserting report: %w", err)
	}
	return nil
}

// GetLatestReport returns the most recent report for the target.
func (s *Store) GetLatestReport(ctx context.Context, targetID string) (*escalation.Report, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		"SELECT payload FROM reports WHERE target_id = ? ORDER BY generated_at DESC, rowid DESC LIMIT 1",
		targetID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, escalation.ErrReportNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting latest report: %w", err)
	}

	var report escalation.Report
	if err := json.Unmarshal([]byte(payload), &report); err != nil {
		return nil, fmt.Errorf("decoding report: %w", err)
	}
	return &report, nil
}

// --- helpers ---

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
