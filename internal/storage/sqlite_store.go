package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/devghori1264/aerophoenix/fleetd/internal/models"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store on a local SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS machines (
	id TEXT NOT NULL PRIMARY KEY,
	cluster_id TEXT NOT NULL,
	name TEXT NOT NULL,
	ip_address TEXT NOT NULL,
	instance_type TEXT NOT NULL,
	tags_json TEXT NOT NULL,
	version INTEGER NOT NULL DEFAULT 1,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS machines_cluster ON machines (cluster_id);
CREATE TABLE IF NOT EXISTS machine_states (
	machine_id TEXT NOT NULL PRIMARY KEY,
	state TEXT NOT NULL,
	updated_at TEXT NOT NULL
);`

func OpenSQLite(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}
	// one writer keeps the conditional updates below serialized
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set state db journal mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set state db busy timeout: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize machines schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const machineColumns = `id, cluster_id, name, ip_address, instance_type, tags_json, version, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMachine(row rowScanner) (models.Machine, error) {
	var (
		m                models.Machine
		tagsJSON         string
		created, updated string
	)
	if err := row.Scan(&m.ID, &m.ClusterID, &m.Name, &m.IPAddress, &m.InstanceType, &tagsJSON, &m.Version, &created, &updated); err != nil {
		return m, err
	}
	if err := json.Unmarshal([]byte(tagsJSON), &m.Tags); err != nil {
		return m, fmt.Errorf("unmarshal tags of machine %q: %w", m.ID, err)
	}
	var err error
	if m.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
		return m, fmt.Errorf("parse created_at of machine %q: %w", m.ID, err)
	}
	if m.UpdatedAt, err = time.Parse(time.RFC3339Nano, updated); err != nil {
		return m, fmt.Errorf("parse updated_at of machine %q: %w", m.ID, err)
	}
	return m, nil
}

func (s *SQLiteStore) ListMachines(ctx context.Context, clusterID string) ([]models.Machine, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+machineColumns+` FROM machines WHERE cluster_id = ? ORDER BY created_at, id`, clusterID)
	if err != nil {
		return nil, fmt.Errorf("list machines: %w", err)
	}
	defer rows.Close()

	out := make([]models.Machine, 0)
	for rows.Next() {
		m, err := scanMachine(rows)
		if err != nil {
			return nil, fmt.Errorf("scan machine row: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate machine rows: %w", err)
	}
	sortMachines(out)
	return out, nil
}

func (s *SQLiteStore) CreateMachine(ctx context.Context, m models.Machine) error {
	tags, err := json.Marshal(m.Tags)
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO machines (`+machineColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		m.ID, m.ClusterID, m.Name, m.IPAddress, m.InstanceType, string(tags), m.Version,
		m.CreatedAt.UTC().Format(time.RFC3339Nano), m.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert machine: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("machine %s exists: %w", m.ID, models.ErrConflict)
	}
	return nil
}

func (s *SQLiteStore) GetMachine(ctx context.Context, clusterID, machineID string) (models.Machine, error) {
	return getSQLiteMachine(ctx, s.db, clusterID, machineID)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getSQLiteMachine(ctx context.Context, q queryRower, clusterID, machineID string) (models.Machine, error) {
	m, err := scanMachine(q.QueryRowContext(ctx,
		`SELECT `+machineColumns+` FROM machines WHERE id = ? AND cluster_id = ?`, machineID, clusterID))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Machine{}, models.ErrNotFound
	}
	if err != nil {
		return models.Machine{}, fmt.Errorf("query machine %q: %w", machineID, err)
	}
	return m, nil
}

func (s *SQLiteStore) UpdateMachine(ctx context.Context, clusterID, machineID string, fn func(*models.Machine) error) (models.Machine, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Machine{}, fmt.Errorf("begin update: %w", err)
	}
	defer tx.Rollback()

	current, err := getSQLiteMachine(ctx, tx, clusterID, machineID)
	if err != nil {
		return models.Machine{}, err
	}
	next, err := applyUpdate(current, fn)
	if errors.Is(err, ErrNoChange) {
		return current, nil
	}
	if err != nil {
		return models.Machine{}, err
	}
	next.UpdatedAt = time.Now().UTC()
	tags, err := json.Marshal(next.Tags)
	if err != nil {
		return models.Machine{}, fmt.Errorf("marshal tags: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE machines SET name = ?, ip_address = ?, instance_type = ?, tags_json = ?, version = ?, updated_at = ?
		 WHERE id = ? AND cluster_id = ? AND version = ?`,
		next.Name, next.IPAddress, next.InstanceType, string(tags), next.Version,
		next.UpdatedAt.Format(time.RFC3339Nano),
		machineID, clusterID, current.Version,
	)
	if err != nil {
		return models.Machine{}, fmt.Errorf("update machine %q: %w", machineID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.Machine{}, fmt.Errorf("machine %s version %d: %w", machineID, current.Version, models.ErrConflict)
	}
	if err := tx.Commit(); err != nil {
		return models.Machine{}, fmt.Errorf("commit update: %w", err)
	}
	return next, nil
}

func (s *SQLiteStore) DeleteMachine(ctx context.Context, clusterID, machineID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM machines WHERE id = ? AND cluster_id = ?`, machineID, clusterID)
	if err != nil {
		return fmt.Errorf("delete machine %q: %w", machineID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrNotFound
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM machine_states WHERE machine_id = ?`, machineID); err != nil {
		return fmt.Errorf("delete machine state %q: %w", machineID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetState(ctx context.Context, machineID string) (models.LifecycleState, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT state FROM machine_states WHERE machine_id = ?`, machineID).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return models.StateStopped, nil
	}
	if err != nil {
		return models.StateStopped, fmt.Errorf("query machine state %q: %w", machineID, err)
	}
	return models.ParseLifecycleState(v)
}

func (s *SQLiteStore) CompareAndSwapState(ctx context.Context, machineID string, from, to models.LifecycleState) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	var (
		res sql.Result
		err error
	)
	if from == models.StateStopped {
		// a missing row also counts as stopped
		res, err = s.db.ExecContext(ctx,
			`INSERT INTO machine_states (machine_id, state, updated_at) VALUES (?, ?, ?)
			 ON CONFLICT(machine_id) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at
			 WHERE machine_states.state = ?`,
			machineID, to.String(), now, from.String())
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE machine_states SET state = ?, updated_at = ? WHERE machine_id = ? AND state = ?`,
			to.String(), now, machineID, from.String())
	}
	if err != nil {
		return fmt.Errorf("swap machine state %q: %w", machineID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("machine %s is not %s: %w", machineID, from, models.ErrConflict)
	}
	return nil
}

func (s *SQLiteStore) SetState(ctx context.Context, machineID string, to models.LifecycleState) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO machine_states (machine_id, state, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(machine_id) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at`,
		machineID, to.String(), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("set machine state %q: %w", machineID, err)
	}
	return nil
}
