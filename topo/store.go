package topo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const storeSchema = `
CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	started_at  INTEGER NOT NULL,
	duration_ms INTEGER NOT NULL,
	stop_reason TEXT NOT NULL,
	iterations  INTEGER NOT NULL,
	needs_review INTEGER NOT NULL,
	metrics     TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS nodes (
	run_id TEXT NOT NULL REFERENCES runs(id),
	id     TEXT NOT NULL,
	x      REAL NOT NULL,
	y      REAL NOT NULL,
	z      REAL NOT NULL,
	degree INTEGER NOT NULL,
	kind   TEXT NOT NULL,
	PRIMARY KEY (run_id, id)
);
CREATE TABLE IF NOT EXISTS edges (
	run_id         TEXT NOT NULL REFERENCES runs(id),
	id             TEXT NOT NULL,
	from_node      TEXT NOT NULL,
	to_node        TEXT NOT NULL,
	trail_id       TEXT,
	name           TEXT,
	length         REAL NOT NULL,
	elevation_gain REAL NOT NULL,
	elevation_loss REAL NOT NULL,
	synthetic      INTEGER NOT NULL,
	geometry       TEXT NOT NULL,
	PRIMARY KEY (run_id, id)
);
CREATE TABLE IF NOT EXISTS issues (
	run_id  TEXT NOT NULL REFERENCES runs(id),
	seq     INTEGER NOT NULL,
	kind    TEXT NOT NULL,
	stage   TEXT NOT NULL,
	message TEXT NOT NULL,
	PRIMARY KEY (run_id, seq)
);
CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);
`

// ErrRunNotFound is returned when a run id has no stored record.
var ErrRunNotFound = errors.New("run not found")

// Store persists run results in SQLite.
type Store struct {
	conn *sql.DB
}

// OpenStore opens or creates the result store at path.
func OpenStore(path string) (*Store, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("pinging store: %w", err)
	}

	// Enable WAL mode
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := conn.Exec(storeSchema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}
	return &Store{conn: conn}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

// SaveResult writes a run with its graph and issues in one transaction.
func (s *Store) SaveResult(ctx context.Context, res *Result) error {
	metrics, err := json.Marshal(res.Metrics)
	if err != nil {
		return fmt.Errorf("marshaling metrics: %w", err)
	}
	reason, iterations := "", 0
	if res.Convergence != nil {
		reason, iterations = string(res.Convergence.Reason), res.Convergence.Iterations
	}
	report := res.Report.Snapshot()

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO runs (id, started_at, duration_ms, stop_reason, iterations, needs_review, metrics)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, res.RunID, res.StartedAt.UnixMilli(), res.Duration.Milliseconds(), reason, iterations, boolInt(report.NeedsReview), string(metrics)); err != nil {
		return fmt.Errorf("inserting run: %w", err)
	}

	nodeStmt, err := tx.PrepareContext(ctx, `INSERT INTO nodes (run_id, id, x, y, z, degree, kind) VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing node insert: %w", err)
	}
	defer nodeStmt.Close()
	for _, n := range res.Graph.Nodes {
		if _, err := nodeStmt.ExecContext(ctx, res.RunID, n.ID, n.Point.X, n.Point.Y, n.Point.Z, n.Degree, string(n.Kind)); err != nil {
			return fmt.Errorf("inserting node %s: %w", n.ID, err)
		}
	}

	edgeStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO edges (run_id, id, from_node, to_node, trail_id, name, length, elevation_gain, elevation_loss, synthetic, geometry)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("preparing edge insert: %w", err)
	}
	defer edgeStmt.Close()
	for _, e := range res.Graph.Edges {
		geom, err := json.Marshal(e.Geometry)
		if err != nil {
			return fmt.Errorf("marshaling edge %s geometry: %w", e.ID, err)
		}
		if _, err := edgeStmt.ExecContext(ctx, res.RunID, e.ID, e.From, e.To, e.TrailID, e.Name,
			e.Length, e.ElevationGain, e.ElevationLoss, boolInt(e.Synthetic), string(geom)); err != nil {
			return fmt.Errorf("inserting edge %s: %w", e.ID, err)
		}
	}

	for i, issue := range report.Issues {
		if _, err := tx.ExecContext(ctx, `INSERT INTO issues (run_id, seq, kind, stage, message) VALUES (?, ?, ?, ?, ?)`,
			res.RunID, i, string(issue.Kind), issue.Stage, issue.Message); err != nil {
			return fmt.Errorf("inserting issue %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing run: %w", err)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// RunRecord is the stored summary of a run.
type RunRecord struct {
	ID          string         `json:"id"`
	StartedAt   time.Time      `json:"startedAt"`
	Duration    time.Duration  `json:"duration"`
	StopReason  StopReason     `json:"stopReason"`
	Iterations  int            `json:"iterations"`
	NeedsReview bool           `json:"needsReview"`
	Metrics     NetworkMetrics `json:"metrics"`
}

// ListRuns returns the most recent runs first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, started_at, duration_ms, stop_reason, iterations, needs_review, metrics
		FROM runs ORDER BY started_at DESC, id LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying runs: %w", err)
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		var (
			rec                 RunRecord
			startedMs, duration int64
			reason, metrics     string
			needsReview         int
		)
		if err := rows.Scan(&rec.ID, &startedMs, &duration, &reason, &rec.Iterations, &needsReview, &metrics); err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		rec.StartedAt = time.UnixMilli(startedMs)
		rec.Duration = time.Duration(duration) * time.Millisecond
		rec.StopReason = StopReason(reason)
		rec.NeedsReview = needsReview != 0
		if err := json.Unmarshal([]byte(metrics), &rec.Metrics); err != nil {
			return nil, fmt.Errorf("decoding metrics for run %s: %w", rec.ID, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// LatestRunID returns the id of the most recently started run.
func (s *Store) LatestRunID(ctx context.Context) (string, error) {
	var id string
	err := s.conn.QueryRowContext(ctx, `SELECT id FROM runs ORDER BY started_at DESC, id LIMIT 1`).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrRunNotFound
	}
	if err != nil {
		return "", fmt.Errorf("querying latest run: %w", err)
	}
	return id, nil
}

// LoadGraph rebuilds the stored graph of a run.
func (s *Store) LoadGraph(ctx context.Context, runID string) (*Graph, error) {
	var exists int
	if err := s.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs WHERE id = ?`, runID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("querying run: %w", err)
	}
	if exists == 0 {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}

	nodeRows, err := s.conn.QueryContext(ctx, `SELECT id, x, y, z, degree, kind FROM nodes WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("querying nodes: %w", err)
	}
	defer nodeRows.Close()
	var nodes []*Node
	for nodeRows.Next() {
		var (
			n    Node
			kind string
		)
		if err := nodeRows.Scan(&n.ID, &n.Point.X, &n.Point.Y, &n.Point.Z, &n.Degree, &kind); err != nil {
			return nil, fmt.Errorf("scanning node: %w", err)
		}
		n.Kind = NodeKind(kind)
		nodes = append(nodes, &n)
	}
	if err := nodeRows.Err(); err != nil {
		return nil, err
	}

	edgeRows, err := s.conn.QueryContext(ctx, `
		SELECT id, from_node, to_node, trail_id, name, length, elevation_gain, elevation_loss, synthetic, geometry
		FROM edges WHERE run_id = ? ORDER BY id
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("querying edges: %w", err)
	}
	defer edgeRows.Close()
	var edges []*Edge
	for edgeRows.Next() {
		var (
			e             Edge
			trailID, name sql.NullString
			synthetic     int
			geom          string
		)
		if err := edgeRows.Scan(&e.ID, &e.From, &e.To, &trailID, &name, &e.Length, &e.ElevationGain, &e.ElevationLoss, &synthetic, &geom); err != nil {
			return nil, fmt.Errorf("scanning edge: %w", err)
		}
		if err := json.Unmarshal([]byte(geom), &e.Geometry); err != nil {
			return nil, fmt.Errorf("decoding edge %s geometry: %w", e.ID, err)
		}
		e.TrailID, e.Name = trailID.String, name.String
		e.SegmentID = e.ID
		e.Synthetic = synthetic != 0
		e.segment = &Segment{
			ID:        e.ID,
			TrailID:   e.TrailID,
			Name:      e.Name,
			Geometry:  e.Geometry,
			To:        1,
			Synthetic: e.Synthetic,
		}
		edges = append(edges, &e)
	}
	if err := edgeRows.Err(); err != nil {
		return nil, err
	}

	return newGraph(nodes, edges), nil
}

// LoadIssues returns the stored issues of a run in order.
func (s *Store) LoadIssues(ctx context.Context, runID string) ([]Issue, error) {
	rows, err := s.conn.QueryContext(ctx, `SELECT kind, stage, message FROM issues WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("querying issues: %w", err)
	}
	defer rows.Close()
	var out []Issue
	for rows.Next() {
		var (
			issue Issue
			kind  string
		)
		if err := rows.Scan(&kind, &issue.Stage, &issue.Message); err != nil {
			return nil, fmt.Errorf("scanning issue: %w", err)
		}
		issue.Kind = ErrorKind(kind)
		out = append(out, issue)
	}
	return out, rows.Err()
}
