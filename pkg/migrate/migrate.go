package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/pressly/goose/v3"
)

// SourceDir is where new migrations are written by the create command.
const SourceDir = "pkg/migrate/migrations"

// Command names accepted by Run.
const (
	CommandUp     = "up"
	CommandDown   = "down"
	CommandStatus = "status"
	CommandTo     = "to"
)

// Step is the outcome of one applied or rolled back migration.
type Step struct {
	Version   int64
	Path      string
	Direction string
	Applied   bool
}

// Source picks the migration set: the embedded files when dir is empty,
// otherwise the directory on disk.
func Source(dir string) fs.FS {
	if strings.TrimSpace(dir) == "" {
		return Embedded()
	}
	return os.DirFS(dir)
}

// Run executes command against a Postgres database. target is only read by
// CommandTo, which moves up or down to reach it. SQLite schemas come from
// AutoMigrateModels instead.
func Run(ctx context.Context, db *sql.DB, fsys fs.FS, command string, target int64) ([]Step, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	provider, err := goose.NewProvider(goose.DialectPostgres, db, fsys)
	if err != nil {
		return nil, fmt.Errorf("goose provider: %w", err)
	}
	defer provider.Close()

	switch command {
	case CommandUp:
		results, err := provider.Up(ctx)
		return stepsFromResults(results), wrapGoose(command, err)
	case CommandDown:
		result, err := provider.Down(ctx)
		if result == nil {
			return nil, wrapGoose(command, err)
		}
		return stepsFromResults([]*goose.MigrationResult{result}), wrapGoose(command, err)
	case CommandTo:
		if target <= 0 {
			return nil, errors.New("target version is required")
		}
		current, err := provider.GetDBVersion(ctx)
		if err != nil {
			return nil, fmt.Errorf("read db version: %w", err)
		}
		var results []*goose.MigrationResult
		switch {
		case current < target:
			results, err = provider.UpTo(ctx, target)
		case current > target:
			results, err = provider.DownTo(ctx, target)
		}
		return stepsFromResults(results), wrapGoose(command, err)
	case CommandStatus:
		statuses, err := provider.Status(ctx)
		if err != nil {
			return nil, wrapGoose(command, err)
		}
		steps := make([]Step, 0, len(statuses))
		for _, st := range statuses {
			steps = append(steps, Step{
				Version: st.Source.Version,
				Path:    st.Source.Path,
				Applied: st.State == goose.StateApplied,
			})
		}
		return steps, nil
	default:
		return nil, fmt.Errorf("unknown migrate command %q", command)
	}
}

func stepsFromResults(results []*goose.MigrationResult) []Step {
	steps := make([]Step, 0, len(results))
	for _, r := range results {
		if r == nil || r.Source == nil {
			continue
		}
		steps = append(steps, Step{
			Version:   r.Source.Version,
			Path:      r.Source.Path,
			Direction: r.Direction,
			Applied:   r.Error == nil,
		})
	}
	return steps
}

func wrapGoose(command string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("goose %s: %w", command, err)
}
