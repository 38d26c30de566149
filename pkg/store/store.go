// Package store provides the shared PostgreSQL state: the raw event log,
// feature windows, detection records, per-stage checkpoints and leases.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/hervehildenbrand/bgp-ensemble/pkg/models"
)

// Store wraps the PostgreSQL connection pool used by all stages.
type Store struct {
	db *sql.DB
}

// Open connects to PostgreSQL and verifies the connection.
func Open(databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// ---- Event log (append-only) ----

// InsertEvents appends raw events to the event log in one transaction.
func (s *Store) InsertEvents(ctx context.Context, events []models.RawEvent) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO bgp_events (observed_at, prefix, origin_asn, peer_asn, as_path, is_withdrawal)
		VALUES ($1, $2, $3, $4, $5, $6)
	`)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for _, e := range events {
		path := make([]int64, len(e.ASPath))
		for i, asn := range e.ASPath {
			path[i] = int64(asn)
		}
		if _, err := stmt.ExecContext(ctx, e.ObservedAt, e.Prefix, int64(e.OriginASN),
			int64(e.PeerASN), pq.Array(path), e.IsWithdrawal); err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit events: %w", err)
	}
	return nil
}

// EventsBetween returns events with observed_at in [from, to), time-ordered.
func (s *Store) EventsBetween(ctx context.Context, from, to time.Time) ([]models.RawEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, observed_at, prefix, origin_asn, peer_asn, as_path, is_withdrawal
		FROM bgp_events
		WHERE observed_at >= $1 AND observed_at < $2
		ORDER BY observed_at, id
	`, from, to)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []models.RawEvent
	for rows.Next() {
		var e models.RawEvent
		var origin, peer int64
		var path pq.Int64Array
		if err := rows.Scan(&e.ID, &e.ObservedAt, &e.Prefix, &origin, &peer, &path, &e.IsWithdrawal); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.OriginASN = uint32(origin)
		e.PeerASN = uint32(peer)
		e.ASPath = make([]uint32, len(path))
		for i, asn := range path {
			e.ASPath[i] = uint32(asn)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

// CountEventsAfter returns the number of events observed at or after t.
// The aggregator uses it to size its backlog for adaptive pacing.
func (s *Store) CountEventsAfter(ctx context.Context, t time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM bgp_events WHERE observed_at >= $1`, t).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

// ---- Feature windows (upsert-only) ----

// UpsertWindows writes the fully recomputed windows in one transaction.
// Re-running the same range overwrites each row with identical values.
func (s *Store) UpsertWindows(ctx context.Context, windows []models.FeatureWindow) error {
	if len(windows) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO feature_windows (
			window_start, window_end, prefix, origin_asn,
			announce_count, withdraw_count, distinct_peers, distinct_paths,
			avg_path_len, last_seen
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (window_start, prefix, origin_asn) DO UPDATE SET
			window_end     = EXCLUDED.window_end,
			announce_count = EXCLUDED.announce_count,
			withdraw_count = EXCLUDED.withdraw_count,
			distinct_peers = EXCLUDED.distinct_peers,
			distinct_paths = EXCLUDED.distinct_paths,
			avg_path_len   = EXCLUDED.avg_path_len,
			last_seen      = EXCLUDED.last_seen
	`)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for _, w := range windows {
		if _, err := stmt.ExecContext(ctx, w.WindowStart, w.WindowEnd, w.Prefix, int64(w.OriginASN),
			w.AnnounceCount, w.WithdrawCount, w.DistinctPeers, w.DistinctPaths,
			w.AvgPathLen, w.LastSeen); err != nil {
			return fmt.Errorf("upsert window: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit windows: %w", err)
	}
	return nil
}

// WindowsAfter returns windows with window_start after t, time-ordered.
// Detection producers poll with their own cursor.
func (s *Store) WindowsAfter(ctx context.Context, t time.Time) ([]models.FeatureWindow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT window_start, window_end, prefix, origin_asn,
		       announce_count, withdraw_count, distinct_peers, distinct_paths,
		       avg_path_len, last_seen
		FROM feature_windows
		WHERE window_start > $1
		ORDER BY window_start, prefix, origin_asn
	`, t)
	if err != nil {
		return nil, fmt.Errorf("query windows: %w", err)
	}
	defer rows.Close()

	var windows []models.FeatureWindow
	for rows.Next() {
		var w models.FeatureWindow
		var origin int64
		if err := rows.Scan(&w.WindowStart, &w.WindowEnd, &w.Prefix, &origin,
			&w.AnnounceCount, &w.WithdrawCount, &w.DistinctPeers, &w.DistinctPaths,
			&w.AvgPathLen, &w.LastSeen); err != nil {
			return nil, fmt.Errorf("scan window: %w", err)
		}
		w.OriginASN = uint32(origin)
		windows = append(windows, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate windows: %w", err)
	}
	return windows, nil
}

// ---- Detections ----

// InsertDetections appends producer output in one transaction.
// Producers only ever insert; no update or delete path exists here.
func (s *Store) InsertDetections(ctx context.Context, detections []models.Detection) error {
	if len(detections) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO detections (
			produced_at, prefix, origin_asn, window_start,
			source_kind, event_type, severity, score,
			authority_status, authority_anomaly, metadata
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for _, d := range detections {
		meta, err := json.Marshal(d.Metadata)
		if err != nil {
			meta = []byte("{}")
		}
		if _, err := stmt.ExecContext(ctx, d.ProducedAt, d.Prefix, int64(d.OriginASN), d.WindowStart,
			d.SourceKind, d.EventType, d.Severity, d.Score,
			nullString(d.AuthorityStatus), nullString(d.AuthorityAnomaly), meta); err != nil {
			return fmt.Errorf("insert detection: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit detections: %w", err)
	}
	return nil
}

// UnclassifiedAfter returns detections with id > after and no classification
// yet, ordered by id ascending.
func (s *Store) UnclassifiedAfter(ctx context.Context, after int64) ([]models.Detection, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, produced_at, prefix, origin_asn, window_start,
		       source_kind, event_type, severity, score,
		       authority_status, authority_anomaly, metadata
		FROM detections
		WHERE id > $1 AND classification IS NULL
		ORDER BY id ASC
	`, after)
	if err != nil {
		return nil, fmt.Errorf("query detections: %w", err)
	}
	defer rows.Close()

	var detections []models.Detection
	for rows.Next() {
		var d models.Detection
		var origin int64
		var status, anomaly sql.NullString
		var meta []byte
		if err := rows.Scan(&d.ID, &d.ProducedAt, &d.Prefix, &origin, &d.WindowStart,
			&d.SourceKind, &d.EventType, &d.Severity, &d.Score,
			&status, &anomaly, &meta); err != nil {
			return nil, fmt.Errorf("scan detection: %w", err)
		}
		d.OriginASN = uint32(origin)
		d.AuthorityStatus = status.String
		d.AuthorityAnomaly = anomaly.String
		if len(meta) > 0 {
			_ = json.Unmarshal(meta, &d.Metadata)
		}
		detections = append(detections, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate detections: %w", err)
	}
	return detections, nil
}

// ClassificationUpdate is one engine decision to apply to a detection row.
type ClassificationUpdate struct {
	ID             int64
	Classification string
	Severity       string
	Confidence     float64
}

// ApplyClassifications writes a whole batch of classifications and advances
// the stage checkpoint in a single transaction. Updates are applied in
// chunks of chunkSize rows per statement, so a few thousand rows cost a
// handful of round trips rather than one per row. The classification guard
// (IS NULL) keeps rows write-once even if a batch is re-delivered.
func (s *Store) ApplyClassifications(ctx context.Context, updates []ClassificationUpdate, stage string, cursor int64, chunkSize int) error {
	if chunkSize <= 0 {
		chunkSize = 500
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	for start := 0; start < len(updates); start += chunkSize {
		end := start + chunkSize
		if end > len(updates) {
			end = len(updates)
		}
		chunk := updates[start:end]

		query := classifyQuery(len(chunk))
		args := make([]interface{}, 0, len(chunk)*4)
		for _, u := range chunk {
			args = append(args, u.ID, u.Classification, u.Severity, u.Confidence)
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("classify chunk: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO checkpoints (stage, cursor, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (stage) DO UPDATE SET
			cursor     = GREATEST(checkpoints.cursor, EXCLUDED.cursor),
			updated_at = now()
	`, stage, cursor); err != nil {
		return fmt.Errorf("advance checkpoint: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit classifications: %w", err)
	}
	return nil
}

// classifyQuery builds the chunked bulk update statement for n rows.
func classifyQuery(n int) string {
	var b strings.Builder
	b.WriteString(`UPDATE detections AS d SET
		classification = v.classification,
		severity       = v.severity,
		confidence     = v.confidence
	FROM (VALUES `)
	for i := 0; i < n; i++ {
		if i > 0 {
			b.WriteString(", ")
		}
		base := i * 4
		fmt.Fprintf(&b, "($%d::bigint, $%d::text, $%d::text, $%d::double precision)",
			base+1, base+2, base+3, base+4)
	}
	b.WriteString(`) AS v(id, classification, severity, confidence)
	WHERE d.id = v.id AND d.classification IS NULL`)
	return b.String()
}

// ---- Checkpoints ----

// Checkpoint returns the stage's checkpoint, or a zero cursor if the stage
// has never run.
func (s *Store) Checkpoint(ctx context.Context, stage string) (models.Checkpoint, error) {
	cp := models.Checkpoint{Stage: stage}
	err := s.db.QueryRowContext(ctx,
		`SELECT cursor, updated_at FROM checkpoints WHERE stage = $1`, stage).
		Scan(&cp.Cursor, &cp.UpdatedAt)
	if err == sql.ErrNoRows {
		return cp, nil
	}
	if err != nil {
		return cp, fmt.Errorf("get checkpoint %s: %w", stage, err)
	}
	return cp, nil
}

// SetCheckpoint advances the stage's cursor. The cursor never moves
// backwards: a lower value than the stored one is ignored.
func (s *Store) SetCheckpoint(ctx context.Context, stage string, cursor int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (stage, cursor, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (stage) DO UPDATE SET
			cursor     = GREATEST(checkpoints.cursor, EXCLUDED.cursor),
			updated_at = now()
	`, stage, cursor)
	if err != nil {
		return fmt.Errorf("set checkpoint %s: %w", stage, err)
	}
	return nil
}

// ---- Leases ----

// AcquireLease takes or renews the stage lease for the given holder. It
// returns false when another holder owns an unexpired lease.
func (s *Store) AcquireLease(ctx context.Context, stage string, holder uuid.UUID, ttl time.Duration) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO leases (stage, holder, expires_at)
		VALUES ($1, $2, now() + $3 * interval '1 second')
		ON CONFLICT (stage) DO UPDATE SET
			holder     = EXCLUDED.holder,
			expires_at = EXCLUDED.expires_at
		WHERE leases.holder = EXCLUDED.holder OR leases.expires_at < now()
	`, stage, holder, int64(ttl.Seconds()))
	if err != nil {
		return false, fmt.Errorf("acquire lease %s: %w", stage, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("acquire lease %s: %w", stage, err)
	}
	return n > 0, nil
}

// ReleaseLease drops the lease if the holder still owns it.
func (s *Store) ReleaseLease(ctx context.Context, stage string, holder uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM leases WHERE stage = $1 AND holder = $2`, stage, holder)
	if err != nil {
		return fmt.Errorf("release lease %s: %w", stage, err)
	}
	return nil
}

// ---- Retention ----

// DeleteEventsBefore prunes raw events observed before t.
func (s *Store) DeleteEventsBefore(ctx context.Context, t time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM bgp_events WHERE observed_at < $1`, t)
	if err != nil {
		return 0, fmt.Errorf("delete events: %w", err)
	}
	return res.RowsAffected()
}

// DeleteWindowsBefore prunes feature windows that ended before t.
func (s *Store) DeleteWindowsBefore(ctx context.Context, t time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM feature_windows WHERE window_end < $1`, t)
	if err != nil {
		return 0, fmt.Errorf("delete windows: %w", err)
	}
	return res.RowsAffected()
}

// DeleteClassifiedBefore prunes classified detections produced before t.
// Unclassified rows are never pruned: the engine still owes them a decision.
func (s *Store) DeleteClassifiedBefore(ctx context.Context, t time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM detections WHERE classification IS NOT NULL AND produced_at < $1`, t)
	if err != nil {
		return 0, fmt.Errorf("delete detections: %w", err)
	}
	return res.RowsAffected()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
