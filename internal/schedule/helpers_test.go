package schedule

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/stagewire/stagewire/internal/database"
)

func testLogger() zerolog.Logger { return zerolog.Nop() }

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}

func testDB(t *testing.T) *database.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "relay.db")
	db, err := database.Open(context.Background(), path, zerolog.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(db.Close)
	if err := db.InitSchema(context.Background()); err != nil {
		t.Fatalf("InitSchema: %v", err)
	}
	return db
}
