package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/pressly/goose/v3"
)

// runner is the part of goose.Provider the Manager drives.
type runner interface {
	Up(ctx context.Context) ([]*goose.MigrationResult, error)
	Down(ctx context.Context) (*goose.MigrationResult, error)
	Status(ctx context.Context) ([]*goose.MigrationStatus, error)
}

// newRunner is a seam for tests.
var newRunner = func(db *sql.DB, fsys fs.FS, verbose bool) (runner, error) {
	p, err := goose.NewProvider(goose.DialectPostgres, db, fsys, goose.WithVerbose(verbose))
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Manager applies goose migrations read from an fs.FS (normally embedded).
type Manager struct {
	db      *sql.DB
	fsys    fs.FS
	verbose bool
}

// Option configures Manager.
type Option func(*Manager)

// WithVerbose makes goose print every applied migration.
func WithVerbose(v bool) Option {
	return func(m *Manager) { m.verbose = v }
}

// NewManager constructs a Manager.
func NewManager(db *sql.DB, fsys fs.FS, opts ...Option) *Manager {
	m := &Manager{db: db, fsys: fsys}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Applied describes one migration run.
type Applied struct {
	Version  int64
	Path     string
	Duration time.Duration
}

// Up applies all pending migrations and returns what ran.
func (m *Manager) Up(ctx context.Context) ([]Applied, error) {
	r, err := m.runner()
	if err != nil {
		return nil, err
	}
	results, err := r.Up(ctx)
	if err != nil {
		return nil, fmt.Errorf("migrate up: %w", err)
	}
	out := make([]Applied, 0, len(results))
	for _, res := range results {
		out = append(out, applied(res))
	}
	return out, nil
}

// Down rolls back the most recent applied migration.
func (m *Manager) Down(ctx context.Context) (Applied, error) {
	r, err := m.runner()
	if err != nil {
		return Applied{}, err
	}
	res, err := r.Down(ctx)
	if err != nil {
		return Applied{}, fmt.Errorf("migrate down: %w", err)
	}
	return applied(res), nil
}

// Status returns one line per known migration, in version order.
func (m *Manager) Status(ctx context.Context) ([]string, error) {
	r, err := m.runner()
	if err != nil {
		return nil, err
	}
	statuses, err := r.Status(ctx)
	if err != nil {
		return nil, fmt.Errorf("migrate status: %w", err)
	}
	lines := make([]string, 0, len(statuses))
	for _, st := range statuses {
		if st == nil || st.Source == nil {
			continue
		}
		when := "pending"
		if st.State == goose.StateApplied {
			when = st.AppliedAt.UTC().Format(time.RFC3339)
		}
		lines = append(lines, fmt.Sprintf("%05d %s %s", st.Source.Version, st.Source.Path, when))
	}
	return lines, nil
}

func (m *Manager) runner() (runner, error) {
	if m.db == nil {
		return nil, errors.New("migrate: database connection unavailable")
	}
	if m.fsys == nil {
		return nil, errors.New("migrate: no migrations filesystem")
	}
	return newRunner(m.db, m.fsys, m.verbose)
}

func applied(res *goose.MigrationResult) Applied {
	if res == nil || res.Source == nil {
		return Applied{}
	}
	return Applied{Version: res.Source.Version, Path: res.Source.Path, Duration: res.Duration}
}
