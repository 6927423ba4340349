package common

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizePath(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"empty", "", ""},
		{"root", "/", ""},
		{"dot", ".", ""},
		{"simple", "foo", "foo"},
		{"both_slashes", "/foo/", "foo"},
		{"nested", "foo/bar/baz", "foo/bar/baz"},
		{"dot_middle", "foo/./bar", "foo/bar"},
		{"dotdot_middle", "foo/../bar", "bar"},
		{"many_slashes", "///foo///bar///", "foo/bar"},
		// Paths never escape the working-copy root.
		{"dotdot", "..", ""},
		{"dotdot_prefix", "../foo", "foo"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, NormalizePath(tt.input), "NormalizePath(%q)", tt.input)
		})
	}
}

func TestPathHelpers(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []string{"a", "b"}, SplitPath("/a/b/"))
	assert.Nil(t, SplitPath(""))
	assert.Equal(t, "a/b/c", JoinPath("a", "b/", "/c"))
	assert.Equal(t, "a", ParentPath("a/b"))
	assert.Equal(t, "", ParentPath("a"))
	assert.Equal(t, "b", BaseName("a/b"))
	assert.Equal(t, "", BaseName(""))
}

func TestRepoPaths(t *testing.T) {
	t.Parallel()

	tests := []struct {
		rel  string
		repo string
	}{
		{"", "@/"},
		{"foo.txt", "@/foo.txt"},
		{"dir/sub/x", "@/dir/sub/x"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.repo, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.repo, RepoPath(tt.rel))
			assert.Equal(t, tt.rel, DiskPath(tt.repo))
			assert.True(t, IsRepoPath(tt.repo))
		})
	}

	assert.Equal(t, "", DiskPath("@"))
	assert.Equal(t, "plain/rel", DiskPath("plain/rel"))
	assert.False(t, IsRepoPath("plain"))
}
