package migrations

import (
	"io/fs"
	"strings"
	"testing"
)

func TestEmbeddedMigrationsArePaired(t *testing.T) {
	names, err := fs.Glob(FS, "*.sql")
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(names) == 0 {
		t.Fatal("expected embedded migrations")
	}
	seen := map[string]int{}
	for _, name := range names {
		base := strings.TrimSuffix(strings.TrimSuffix(name, ".up.sql"), ".down.sql")
		seen[base]++
	}
	for base, count := range seen {
		if count != 2 {
			t.Fatalf("migration %s has %d files, want an up and a down", base, count)
		}
	}
}
