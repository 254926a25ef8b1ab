package migrate

import (
	"testing"
	"testing/fstest"
)

func TestEmbeddedMigrationsAreContiguous(t *testing.T) {
	migrations, err := Load(migrationsFS, "sql")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(migrations) == 0 {
		t.Fatalf("expected embedded migrations")
	}
	if problems := Validate(migrations); len(problems) > 0 {
		t.Fatalf("embedded migrations invalid: %v", problems)
	}
}

func TestValidateReportsGapsAndDuplicates(t *testing.T) {
	fsys := fstest.MapFS{
		"m/001_init.sql":  {Data: []byte("CREATE TABLE a(id INT);")},
		"m/001_again.sql": {Data: []byte("CREATE TABLE b(id INT);")},
		"m/003_skip.sql":  {Data: []byte("   ")},
		"m/README.md":     {Data: []byte("notes")},
	}
	migrations, err := Load(fsys, "m")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(migrations) != 3 {
		t.Fatalf("expected 3 sql files, got %d", len(migrations))
	}
	problems := Validate(migrations)
	if len(problems) != 3 {
		t.Fatalf("expected duplicate, gap and empty problems, got %v", problems)
	}
}

func TestParseVersionRejectsBadNames(t *testing.T) {
	if _, err := ParseVersion("init.sql"); err == nil {
		t.Fatalf("expected error for unnumbered file")
	}
	if _, err := ParseVersion("000_zero.sql"); err == nil {
		t.Fatalf("expected error for zero version")
	}
	v, err := ParseVersion("012_add_index.sql")
	if err != nil || v != 12 {
		t.Fatalf("parse 012: v=%d err=%v", v, err)
	}
}
