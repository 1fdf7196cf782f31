package fingerprint

import (
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/driftlane/cloakd/internal/config"
	"github.com/driftlane/cloakd/internal/database"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := database.New(config.DatabaseConfig{
		Driver:   "sqlite3",
		DSN:      filepath.Join(t.TempDir(), "test.db"),
		MaxConns: 2,
	})
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return NewStore(db, zerolog.Nop())
}

func TestStoreSaveAndLookup(t *testing.T) {
	s := newTestStore(t)

	p := cleanPayload()
	p.VisitorID = "visitor-1"
	p.Features = map[string]bool{"canvas": true, "webgl": false}

	saved, err := s.Save(p, "203.0.113.5")
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if saved.Hash == "" {
		t.Fatal("saved fingerprint has no hash")
	}

	got, err := s.Lookup("visitor-1", "")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got.Hash != saved.Hash {
		t.Fatalf("hash = %q, want %q", got.Hash, saved.Hash)
	}
	if !got.Features["canvas"] {
		t.Fatal("canvas probe lost on round trip")
	}
	if supported, probed := got.Features["webgl"]; !probed || supported {
		t.Fatalf("webgl probe = %v/%v, want false/true", supported, probed)
	}

	if _, err := s.Lookup("", "no-such-hash"); err != database.ErrNotFound {
		t.Fatalf("missing lookup err = %v, want ErrNotFound", err)
	}
}
