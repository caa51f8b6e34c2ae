package migrate

import (
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const versionLayout = "20060102150405"

// CreateSQLMigration writes an empty goose migration named
// <YYYYMMDDHHMMSS>_<slug>.sql into dir and returns its path.
func CreateSQLMigration(dir, name string) (string, error) {
	if dir == "" {
		return "", fmt.Errorf("dir is required")
	}
	slug := slugify(name)
	if slug == "" {
		return "", fmt.Errorf("migration name %q has no usable characters", name)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("mkdir %q: %w", dir, err)
	}

	full := filepath.Join(dir, time.Now().UTC().Format(versionLayout)+"_"+slug+".sql")
	body := "-- +goose Up\n-- +goose StatementBegin\n\n-- +goose StatementEnd\n\n" +
		"-- +goose Down\n-- +goose StatementBegin\n\n-- +goose StatementEnd\n"

	f, err := os.OpenFile(full, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", fmt.Errorf("create migration: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(body); err != nil {
		return "", fmt.Errorf("write migration %q: %w", full, err)
	}
	return full, nil
}

// slugify lowercases name and collapses every run of other characters into
// a single underscore.
func slugify(name string) string {
	var b strings.Builder
	gap := false
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			if gap && b.Len() > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r)
			gap = false
			continue
		}
		gap = true
	}
	return b.String()
}

// Validate checks every .sql file in fsys for a well-formed versioned name,
// a unique version, and both goose sections.
func Validate(fsys fs.FS) error {
	names, err := fs.Glob(fsys, "*.sql")
	if err != nil {
		return err
	}
	seen := make(map[int64]string, len(names))
	for _, name := range names {
		version, err := parseVersion(name)
		if err != nil {
			return err
		}
		if prev, dup := seen[version]; dup {
			return fmt.Errorf("migrations %q and %q share version %d", prev, name, version)
		}
		seen[version] = name

		body, err := fs.ReadFile(fsys, name)
		if err != nil {
			return fmt.Errorf("read %q: %w", name, err)
		}
		for _, marker := range []string{"-- +goose Up", "-- +goose Down"} {
			if !strings.Contains(string(body), marker) {
				return fmt.Errorf("migration %q lacks %q", name, marker)
			}
		}
	}
	return nil
}

func parseVersion(name string) (int64, error) {
	base := strings.TrimSuffix(path.Base(name), ".sql")
	prefix, slug, ok := strings.Cut(base, "_")
	if !ok || len(prefix) != len(versionLayout) || slug == "" || slugify(slug) != slug {
		return 0, fmt.Errorf("migration %q must be named YYYYMMDDHHMMSS_name.sql", name)
	}
	if _, err := time.Parse(versionLayout, prefix); err != nil {
		return 0, fmt.Errorf("migration %q has a bad timestamp: %w", name, err)
	}
	return strconv.ParseInt(prefix, 10, 64)
}
