package migrate

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
)

//go:embed sql/*.sql
var migrationsFS embed.FS

type Migration struct {
	Version int
	Name    string
	UpSQL   string
}

// ParseVersion extracts the numeric prefix of a NNN_name.sql file name.
func ParseVersion(name string) (int, error) {
	var v int
	if _, err := fmt.Sscanf(name, "%d_", &v); err != nil {
		return 0, fmt.Errorf("invalid migration filename %s: %w", name, err)
	}
	if v <= 0 {
		return 0, fmt.Errorf("invalid migration filename %s: version must be positive", name)
	}
	return v, nil
}

// Load reads the .sql files of dir in fsys ordered by version.
func Load(fsys fs.FS, dir string) ([]Migration, error) {
	files, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, err
	}
	var migrations []Migration
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".sql") {
			continue
		}
		data, err := fs.ReadFile(fsys, path.Join(dir, f.Name()))
		if err != nil {
			return nil, err
		}
		v, err := ParseVersion(f.Name())
		if err != nil {
			return nil, err
		}
		migrations = append(migrations, Migration{
			Version: v,
			Name:    f.Name(),
			UpSQL:   string(data),
		})
	}
	sort.Slice(migrations, func(i, j int) bool { return migrations[i].Version < migrations[j].Version })
	return migrations, nil
}

// Validate reports duplicate or missing versions and empty migrations.
// Versions must run 1..n without gaps.
func Validate(migrations []Migration) []string {
	var problems []string
	seen := make(map[int]string)
	expected := 1
	for _, m := range migrations {
		if prev, ok := seen[m.Version]; ok {
			problems = append(problems, fmt.Sprintf("version %d used by both %s and %s", m.Version, prev, m.Name))
			continue
		}
		seen[m.Version] = m.Name
		if m.Version != expected {
			problems = append(problems, fmt.Sprintf("%s: expected version %d", m.Name, expected))
		}
		expected = m.Version + 1
		if strings.TrimSpace(m.UpSQL) == "" {
			problems = append(problems, fmt.Sprintf("%s is empty", m.Name))
		}
	}
	return problems
}

// Migrate applies embedded migrations in order.
func Migrate(db *sql.DB) error {
	migrations, err := Load(migrationsFS, "sql")
	if err != nil {
		return err
	}
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`CREATE TABLE IF NOT EXISTS schema_version(version INTEGER NOT NULL);`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}

	var currentVersion int
	err = tx.QueryRow(`SELECT version FROM schema_version LIMIT 1`).Scan(&currentVersion)
	if err == sql.ErrNoRows {
		if _, err := tx.Exec(`INSERT INTO schema_version(version) VALUES (0)`); err != nil {
			return fmt.Errorf("init schema_version: %w", err)
		}
		currentVersion = 0
	} else if err != nil {
		return fmt.Errorf("read schema_version: %w", err)
	}

	for _, m := range migrations {
		if m.Version <= currentVersion {
			continue
		}
		if _, err := tx.Exec(m.UpSQL); err != nil {
			return fmt.Errorf("migration %s: %w", m.Name, err)
		}
		if _, err := tx.Exec(`UPDATE schema_version SET version=?`, m.Version); err != nil {
			return fmt.Errorf("update schema_version: %w", err)
		}
		currentVersion = m.Version
	}
	return tx.Commit()
}
