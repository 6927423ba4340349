package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSchema = `
-- comment lines are skipped
CREATE TABLE IF NOT EXISTS kv (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
INSERT OR IGNORE INTO kv (key, value) VALUES ('version', '1');
`

func TestSplitStatements(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		script string
		want   int
	}{
		{"empty", "", 0},
		{"comments only", "-- a\n-- b\n", 0},
		{"schema", testSchema, 2},
		{"missing final semicolon", "SELECT 1;\nSELECT 2", 2},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Len(t, SplitStatements(tt.script), tt.want)
		})
	}
}

func TestOpenAppliesSchema(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "test.db")
	f, err := Open(path, 1000, testSchema)
	require.NoError(t, err)
	assert.Equal(t, path, f.Path())

	var value string
	err = f.Bun().NewRaw("SELECT value FROM kv WHERE key = ?", "version").Scan(context.Background(), &value)
	require.NoError(t, err)
	assert.Equal(t, "1", value)

	require.NoError(t, ExecStatements(f.DB(), "INSERT INTO kv (key, value) VALUES (?, ?);", "a", "b"))
	require.NoError(t, f.Close())
	require.NoError(t, f.Close())

	// Reopening is idempotent for IF NOT EXISTS schemas.
	f, err = Open(path, 1000, testSchema)
	require.NoError(t, err)
	defer f.Close()
	err = f.Bun().NewRaw("SELECT value FROM kv WHERE key = ?", "a").Scan(context.Background(), &value)
	require.NoError(t, err)
	assert.Equal(t, "b", value)
}

func TestExecStatementsArgumentCount(t *testing.T) {
	t.Parallel()

	f, err := Open(filepath.Join(t.TempDir(), "test.db"), 1000, testSchema)
	require.NoError(t, err)
	defer f.Close()

	err = ExecStatements(f.DB(), "INSERT INTO kv (key, value) VALUES (?, ?);", "only-one")
	assert.Error(t, err)
}
