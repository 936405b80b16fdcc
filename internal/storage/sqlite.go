package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStorage implements Storage using SQLite.
type SQLiteStorage struct {
	db *sql.DB
}

// NewSQLiteStorage creates a new SQLite storage instance.
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// WAL lets status readers run while a fleet operation holds a write
	dsn := fmt.Sprintf("%s?_journal=WAL&_sync=NORMAL&_busy_timeout=5000&_foreign_keys=ON", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &SQLiteStorage{db: db}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return s, nil
}

// migrate runs database migrations.
func (s *SQLiteStorage) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS fleets (
		id TEXT PRIMARY KEY,
		state TEXT NOT NULL DEFAULT 'unstarted',
		base_dir TEXT NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS nodes (
		fleet_id TEXT NOT NULL,
		name TEXT NOT NULL,
		role TEXT NOT NULL,
		ordinal INTEGER NOT NULL,
		host TEXT NOT NULL,
		rpc_port INTEGER NOT NULL,
		p2p_port INTEGER NOT NULL,
		ws_port INTEGER NOT NULL,
		profile TEXT NOT NULL,
		pid INTEGER,
		pgid INTEGER,
		status TEXT NOT NULL DEFAULT 'pending',
		data_dir TEXT NOT NULL,
		PRIMARY KEY (fleet_id, name),
		FOREIGN KEY (fleet_id) REFERENCES fleets(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS injection_runs (
		id TEXT PRIMARY KEY,
		fleet_id TEXT NOT NULL,
		started_at DATETIME NOT NULL,
		completed_at DATETIME,
		endpoints INTEGER NOT NULL,
		count_per_endpoint INTEGER NOT NULL,
		interval_ms INTEGER NOT NULL,
		tx_sent INTEGER DEFAULT 0,
		tx_ok INTEGER DEFAULT 0,
		tx_failed INTEGER DEFAULT 0,
		status TEXT DEFAULT 'running'
	);

	CREATE INDEX IF NOT EXISTS idx_injection_runs_started ON injection_runs(started_at DESC);

	CREATE TABLE IF NOT EXISTS tx_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		endpoint TEXT NOT NULL,
		seq INTEGER NOT NULL,
		tx_hash TEXT,
		sent_at_ms INTEGER NOT NULL,
		latency_ms INTEGER NOT NULL,
		outcome TEXT NOT NULL,
		error_reason TEXT,
		FOREIGN KEY (run_id) REFERENCES injection_runs(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_tx_logs_run ON tx_logs(run_id);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	// Columns added after the first registry format.
	migrations := []struct {
		table  string
		column string
		ddl    string
	}{
		{"nodes", "exit_signal", "ALTER TABLE nodes ADD COLUMN exit_signal TEXT"},
	}

	for _, m := range migrations {
		if !s.columnExists(m.table, m.column) {
			if _, err := s.db.Exec(m.ddl); err != nil {
				// Log but don't fail - migration might have already been applied
				slog.Warn("migration failed", "table", m.table, "column", m.column, "error", err)
			}
		}
	}

	return nil
}

// columnExists checks if a column exists in a table.
// Note: table and column names are validated to prevent SQL injection.
func (s *SQLiteStorage) columnExists(table, column string) bool {
	if !isValidIdentifier(table) || !isValidIdentifier(column) {
		return false
	}
	query := fmt.Sprintf("SELECT COUNT(*) FROM pragma_table_info('%s') WHERE name = '%s'", table, column)
	var count int
	if err := s.db.QueryRow(query).Scan(&count); err != nil {
		return false
	}
	return count > 0
}

// isValidIdentifier checks if a string is a valid SQLite identifier.
// Only allows alphanumeric characters and underscore.
func isValidIdentifier(s string) bool {
	if len(s) == 0 || len(s) > 128 {
		return false
	}
	for _, c := range s {
		if !((c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_') {
			return false
		}
	}
	return true
}

// Close closes the database connection.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// SaveFleet upserts a fleet and replaces its node table in one transaction.
func (s *SQLiteStorage) SaveFleet(ctx context.Context, fleet *FleetRecord) error {
	if fleet.UpdatedAt.IsZero() {
		fleet.UpdatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO fleets (id, state, base_dir, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET state = excluded.state, base_dir = excluded.base_dir, updated_at = excluded.updated_at
	`, fleet.ID, fleet.State, fleet.BaseDir, fleet.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert fleet: %w", err)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM nodes WHERE fleet_id = ?", fleet.ID); err != nil {
		return fmt.Errorf("clear nodes: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO nodes (fleet_id, name, role, ordinal, host, rpc_port, p2p_port, ws_port,
			profile, pid, pgid, status, data_dir, exit_signal)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, n := range fleet.Nodes {
		_, err := stmt.ExecContext(ctx, fleet.ID, n.Name, n.Role, n.Ordinal, n.Host, n.RPCPort, n.P2PPort, n.WSPort,
			n.Profile, nullInt64(int64(n.PID)), nullInt64(int64(n.PGID)), n.Status, n.DataDir, nullString(n.ExitSignal))
		if err != nil {
			return fmt.Errorf("insert node %s: %w", n.Name, err)
		}
	}

	return tx.Commit()
}

// GetFleet returns a fleet with its nodes, or nil when it is not registered.
func (s *SQLiteStorage) GetFleet(ctx context.Context, id string) (*FleetRecord, error) {
	var f FleetRecord
	err := s.db.QueryRowContext(ctx, "SELECT id, state, base_dir, updated_at FROM fleets WHERE id = ?", id).
		Scan(&f.ID, &f.State, &f.BaseDir, &f.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	nodes, err := s.getNodes(ctx, id)
	if err != nil {
		return nil, err
	}
	f.Nodes = nodes
	return &f, nil
}

func (s *SQLiteStorage) getNodes(ctx context.Context, fleetID string) ([]NodeRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, role, ordinal, host, rpc_port, p2p_port, ws_port, profile, pid, pgid, status, data_dir, exit_signal
		FROM nodes
		WHERE fleet_id = ?
		ORDER BY CASE role WHEN 'sealer' THEN 0 ELSE 1 END, ordinal
	`, fleetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var nodes []NodeRecord
	for rows.Next() {
		var n NodeRecord
		var pid, pgid sql.NullInt64
		var exitSignal sql.NullString
		err := rows.Scan(&n.Name, &n.Role, &n.Ordinal, &n.Host, &n.RPCPort, &n.P2PPort, &n.WSPort,
			&n.Profile, &pid, &pgid, &n.Status, &n.DataDir, &exitSignal)
		if err != nil {
			return nil, err
		}
		if pid.Valid {
			n.PID = int(pid.Int64)
		}
		if pgid.Valid {
			n.PGID = int(pgid.Int64)
		}
		if exitSignal.Valid {
			n.ExitSignal = exitSignal.String
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

// ListFleets returns every registered fleet ordered by id.
func (s *SQLiteStorage) ListFleets(ctx context.Context) ([]FleetRecord, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, state, base_dir, updated_at FROM fleets ORDER BY id")
	if err != nil {
		return nil, err
	}
	var fleets []FleetRecord
	for rows.Next() {
		var f FleetRecord
		if err := rows.Scan(&f.ID, &f.State, &f.BaseDir, &f.UpdatedAt); err != nil {
			rows.Close()
			return nil, err
		}
		fleets = append(fleets, f)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range fleets {
		nodes, err := s.getNodes(ctx, fleets[i].ID)
		if err != nil {
			return nil, err
		}
		fleets[i].Nodes = nodes
	}
	return fleets, nil
}

// UpdateFleetState sets the lifecycle state of a registered fleet.
func (s *SQLiteStorage) UpdateFleetState(ctx context.Context, id, state string) error {
	result, err := s.db.ExecContext(ctx, "UPDATE fleets SET state = ?, updated_at = ? WHERE id = ?",
		state, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return fmt.Errorf("fleet not found: %s", id)
	}
	return nil
}

// CreateInjectionRun records the start of an injection run.
func (s *SQLiteStorage) CreateInjectionRun(ctx context.Context, run *InjectionRun) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO injection_runs (id, fleet_id, started_at, endpoints, count_per_endpoint, interval_ms, status)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, run.ID, run.FleetID, run.StartedAt, run.Endpoints, run.CountPerEP, run.IntervalMs, run.Status)
	return err
}

// CompleteInjectionRun stores the final counters of an injection run.
func (s *SQLiteStorage) CompleteInjectionRun(ctx context.Context, id string, run *InjectionRun) error {
	completedAt := time.Now().UTC()
	if run.CompletedAt != nil {
		completedAt = *run.CompletedAt
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE injection_runs SET
			completed_at = ?,
			tx_sent = ?,
			tx_ok = ?,
			tx_failed = ?,
			status = ?
		WHERE id = ?
	`, completedAt, run.TxSent, run.TxOK, run.TxFailed, run.Status, id)
	if err != nil {
		return err
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return fmt.Errorf("injection run not found: %s", id)
	}
	return nil
}

// GetInjectionRun returns an injection run, or nil when it does not exist.
func (s *SQLiteStorage) GetInjectionRun(ctx context.Context, id string) (*InjectionRun, error) {
	var run InjectionRun
	var completedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, fleet_id, started_at, completed_at, endpoints, count_per_endpoint, interval_ms,
			tx_sent, tx_ok, tx_failed, status
		FROM injection_runs WHERE id = ?
	`, id).Scan(&run.ID, &run.FleetID, &run.StartedAt, &completedAt, &run.Endpoints, &run.CountPerEP,
		&run.IntervalMs, &run.TxSent, &run.TxOK, &run.TxFailed, &run.Status)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}
	return &run, nil
}

// BulkInsertTxLogs inserts transaction logs using a single transaction.
// The fsync cost is paid once for the whole run.
func (s *SQLiteStorage) BulkInsertTxLogs(ctx context.Context, runID string, logs []TxLogEntry) error {
	if len(logs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO tx_logs (run_id, endpoint, seq, tx_hash, sent_at_ms, latency_ms, outcome, error_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, log := range logs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, err := stmt.ExecContext(ctx, runID, log.Endpoint, log.Seq, nullString(log.TxHash),
			log.SentAtMs, log.LatencyMs, log.Outcome, nullString(log.ErrorReason))
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

// GetTxLogs retrieves paginated transaction logs for an injection run.
func (s *SQLiteStorage) GetTxLogs(ctx context.Context, runID string, limit, offset int) (*PaginatedTxLogs, error) {
	var total int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM tx_logs WHERE run_id = ?", runID).Scan(&total)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT endpoint, seq, tx_hash, sent_at_ms, latency_ms, outcome, error_reason
		FROM tx_logs
		WHERE run_id = ?
		ORDER BY sent_at_ms, endpoint, seq
		LIMIT ? OFFSET ?
	`, runID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []TxLogEntry
	for rows.Next() {
		var log TxLogEntry
		var txHash, errorReason sql.NullString
		err := rows.Scan(&log.Endpoint, &log.Seq, &txHash, &log.SentAtMs, &log.LatencyMs, &log.Outcome, &errorReason)
		if err != nil {
			return nil, err
		}
		if txHash.Valid {
			log.TxHash = txHash.String
		}
		if errorReason.Valid {
			log.ErrorReason = errorReason.String
		}
		logs = append(logs, log)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &PaginatedTxLogs{
		Transactions: logs,
		Total:        total,
		Limit:        limit,
		Offset:       offset,
	}, nil
}

func nullInt64(v int64) sql.NullInt64 {
	if v == 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: v, Valid: true}
}

func nullString(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}
