// Package registry persists named pod connection entries and the active-pod
// pointer in a local sqlite database.
package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"k8s.io/utils/clock"
	_ "modernc.org/sqlite"

	brokererrors "github.com/kubeadapt/gpu-broker/internal/errors"
	"github.com/kubeadapt/gpu-broker/internal/normalize"
)

const component = "registry"

const activeKey = "active_pod"

// Entry is one registered pod.
type Entry struct {
	Name        string            `json:"name"`
	PodID       string            `json:"pod_id,omitempty"`
	SSHCommand  string            `json:"ssh_command"`
	Provider    string            `json:"provider"`
	Region      string            `json:"region"`
	GPUType     string            `json:"gpu_type"`
	GPUCount    int               `json:"gpu_count"`
	CostPerHour float64           `json:"cost_per_hour"`
	Status      string            `json:"status"`
	SetupScript string            `json:"setup_script,omitempty"`
	Metadata    map[string]string `json:"metadata"`
	CreatedAt   time.Time         `json:"created_at"`
}

func (e *Entry) setDefaults() {
	if e.Provider == "" {
		e.Provider = "unknown"
	}
	if e.Region == "" {
		e.Region = "unknown"
	}
	if e.GPUType == "" {
		e.GPUType = "unknown"
	}
	if e.GPUCount <= 0 {
		e.GPUCount = 1
	}
	if e.Status == "" {
		e.Status = "unknown"
	}
	if e.Metadata == nil {
		e.Metadata = map[string]string{}
	}
}

// ValidateSSHCommand checks that cmd is of the form
// "ssh user@host [-p port]".
func ValidateSSHCommand(cmd string) error {
	if !strings.HasPrefix(strings.TrimSpace(cmd), "ssh ") {
		return brokererrors.New(brokererrors.ErrInvalidArgument, component, "ssh command must start with 'ssh': %q", cmd)
	}
	t, err := normalize.ParseSSHTarget(cmd)
	if err != nil {
		return brokererrors.Wrap(brokererrors.ErrInvalidArgument, component, err, "invalid ssh command %q", cmd)
	}
	if t.User == "" {
		return brokererrors.New(brokererrors.ErrInvalidArgument, component, "ssh command must include user@host: %q", cmd)
	}
	return nil
}

const schema = `
CREATE TABLE IF NOT EXISTS pods (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL UNIQUE,
	pod_id TEXT NOT NULL DEFAULT '',
	ssh_command TEXT NOT NULL,
	provider TEXT NOT NULL,
	region TEXT NOT NULL,
	gpu_type TEXT NOT NULL,
	gpu_count INTEGER NOT NULL,
	cost_per_hour REAL NOT NULL,
	status TEXT NOT NULL,
	setup_script TEXT NOT NULL DEFAULT '',
	metadata_json TEXT NOT NULL DEFAULT '{}',
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS settings (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// Registry is a sqlite-backed pod registry.
type Registry struct {
	db    *sql.DB
	clock clock.PassiveClock
}

// Open opens (creating if needed) the registry database at path. A nil
// clock uses the real clock.
func Open(path string, clk clock.PassiveClock) (*Registry, error) {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("registry: create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("registry: open database: %w", err)
	}
	// One writer at a time keeps sqlite from returning SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL;", "PRAGMA busy_timeout=5000;"} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("registry: %s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("registry: initialize schema: %w", err)
	}
	return &Registry{db: db, clock: clk}, nil
}

// Close releases the database.
func (r *Registry) Close() error {
	return r.db.Close()
}

// Add registers a new entry. The first entry added becomes active.
func (r *Registry) Add(ctx context.Context, e Entry) (Entry, error) {
	if strings.TrimSpace(e.Name) == "" {
		return Entry{}, brokererrors.New(brokererrors.ErrInvalidArgument, component, "pod name is required")
	}
	if err := ValidateSSHCommand(e.SSHCommand); err != nil {
		return Entry{}, err
	}
	e.setDefaults()
	e.CreatedAt = r.clock.Now().UTC()

	meta, err := json.Marshal(e.Metadata)
	if err != nil {
		return Entry{}, fmt.Errorf("registry: encode metadata: %w", err)
	}

	err = r.tx(ctx, func(tx *sql.Tx) error {
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM pods WHERE name = ?`, e.Name).Scan(&exists); err != nil {
			return err
		}
		if exists > 0 {
			return brokererrors.New(brokererrors.ErrAlreadyExists, component, "pod %q already exists", e.Name)
		}

		_, err := tx.ExecContext(ctx, `INSERT INTO pods
			(name, pod_id, ssh_command, provider, region, gpu_type, gpu_count, cost_per_hour, status, setup_script, metadata_json, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.Name, e.PodID, e.SSHCommand, e.Provider, e.Region, e.GPUType, e.GPUCount,
			e.CostPerHour, e.Status, e.SetupScript, string(meta), e.CreatedAt.Format(time.RFC3339Nano))
		if err != nil {
			return err
		}

		active, err := activeName(ctx, tx)
		if err != nil {
			return err
		}
		if active == "" {
			return setActive(ctx, tx, e.Name)
		}
		return nil
	})
	if err != nil {
		return Entry{}, err
	}
	return e, nil
}

// Remove deletes an entry. If it was active, the oldest remaining entry
// becomes active, or none if the registry is now empty.
func (r *Registry) Remove(ctx context.Context, name string) error {
	return r.tx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM pods WHERE name = ?`, name)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return notFound(name)
		}

		active, err := activeName(ctx, tx)
		if err != nil || active != name {
			return err
		}

		var next string
		err = tx.QueryRowContext(ctx, `SELECT name FROM pods ORDER BY seq LIMIT 1`).Scan(&next)
		switch {
		case stderrors.Is(err, sql.ErrNoRows):
			_, err = tx.ExecContext(ctx, `DELETE FROM settings WHERE key = ?`, activeKey)
			return err
		case err != nil:
			return err
		}
		return setActive(ctx, tx, next)
	})
}

// SetActive points the active-pod pointer at name.
func (r *Registry) SetActive(ctx context.Context, name string) error {
	return r.tx(ctx, func(tx *sql.Tx) error {
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM pods WHERE name = ?`, name).Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			return notFound(name)
		}
		return setActive(ctx, tx, name)
	})
}

// Active returns the active entry. ok is false when none is set.
func (r *Registry) Active(ctx context.Context) (Entry, bool, error) {
	var name string
	err := r.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, activeKey).Scan(&name)
	if stderrors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("registry: read active pod: %w", err)
	}

	e, err := r.Get(ctx, name)
	if brokererrors.IsCode(err, brokererrors.ErrNotFound) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	return e, true, nil
}

const selectColumns = `name, pod_id, ssh_command, provider, region, gpu_type, gpu_count,
	cost_per_hour, status, setup_script, metadata_json, created_at`

// Get returns the entry registered under name.
func (r *Registry) Get(ctx context.Context, name string) (Entry, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM pods WHERE name = ?`, name)
	e, err := scanEntry(row)
	if stderrors.Is(err, sql.ErrNoRows) {
		return Entry{}, notFound(name)
	}
	if err != nil {
		return Entry{}, fmt.Errorf("registry: read pod %q: %w", name, err)
	}
	return e, nil
}

// List returns every entry in registration order.
func (r *Registry) List(ctx context.Context) ([]Entry, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+selectColumns+` FROM pods ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("registry: list pods: %w", err)
	}
	defer rows.Close()

	out := []Entry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("registry: scan pod: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// UpdateStatus sets an entry's status and, when podID is non-empty, its
// pod id.
func (r *Registry) UpdateStatus(ctx context.Context, name, status, podID string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE pods SET status = ?, pod_id = CASE WHEN ? = '' THEN pod_id ELSE ? END WHERE name = ?`,
		status, podID, podID, name)
	if err != nil {
		return fmt.Errorf("registry: update pod %q: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound(name)
	}
	return nil
}

func (r *Registry) tx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("registry: begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		if brokererrors.CodeOf(err) != "" {
			return err
		}
		return fmt.Errorf("registry: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("registry: commit: %w", err)
	}
	return nil
}

func activeName(ctx context.Context, tx *sql.Tx) (string, error) {
	var name string
	err := tx.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, activeKey).Scan(&name)
	if stderrors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return name, err
}

func setActive(ctx context.Context, tx *sql.Tx, name string) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO settings (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		activeKey, name)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (Entry, error) {
	var (
		e       Entry
		meta    string
		created string
	)
	if err := s.Scan(&e.Name, &e.PodID, &e.SSHCommand, &e.Provider, &e.Region, &e.GPUType,
		&e.GPUCount, &e.CostPerHour, &e.Status, &e.SetupScript, &meta, &created); err != nil {
		return Entry{}, err
	}
	if err := json.Unmarshal([]byte(meta), &e.Metadata); err != nil || e.Metadata == nil {
		e.Metadata = map[string]string{}
	}
	e.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	return e, nil
}

func notFound(name string) error {
	return brokererrors.New(brokererrors.ErrNotFound, component, "pod %q not found in registry", name)
}
