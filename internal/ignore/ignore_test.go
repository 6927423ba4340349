package ignore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func TestMatcher(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeFile(t, filepath.Join(root, FileName), "*.log\nbuild/\n")
	writeFile(t, filepath.Join(root, "sub", FileName), "local.txt\n")
	writeFile(t, filepath.Join(root, ".wcdrawer", FileName), "*\n")

	m, err := New(root, ".wcdrawer", true, []string{"*.swp", "tmp/**"})
	require.NoError(t, err)

	tests := []struct {
		path  string
		isDir bool
		want  bool
	}{
		{"app.log", false, true},
		{"sub/deep/trace.log", false, true},
		{"build", true, true},
		{"sub/local.txt", false, true},
		{"local.txt", false, false},
		{"notes.swp", false, true},
		{"sub/x.swp", false, true},
		{"tmp/a/b", false, true},
		{"main.go", false, false},
		{"", true, false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.path, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, m.Ignored(tt.path, tt.isDir))
		})
	}
}

func TestMatcherWithoutFiles(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeFile(t, filepath.Join(root, FileName), "*.log\n")

	m, err := New(root, "", false, nil)
	require.NoError(t, err)
	assert.False(t, m.Ignored("app.log", false))

	var nilMatcher *Matcher
	assert.False(t, nilMatcher.Ignored("app.log", false))
}

func TestBadGlob(t *testing.T) {
	t.Parallel()

	_, err := New("", "", false, []string{"[unclosed"})
	assert.Error(t, err)
}
