package common

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorDefinitions(t *testing.T) {
	t.Parallel()

	errs := []error{
		ErrNotFound, ErrExists, ErrNotDir, ErrIsDir, ErrNotEmpty, ErrInvalidPath,
		ErrInvalidArg, ErrUnsupportedType, ErrNotImplemented, ErrStale,
		ErrNotInTx, ErrCannotNest, ErrBusy,
		ErrPortability, ErrNotControlled, ErrReserved, ErrNoEffect, ErrDirty,
		ErrAmbiguousContent, ErrContentMismatch, ErrJournalOrder, ErrParkExhausted,
		ErrNothingToCommit, ErrPartialCommitAfterMerge, ErrInactiveUser,
		ErrBranchMismatch, ErrEmptyComment, ErrCommentTooLong, ErrPendingMerge,
	}

	t.Run("all errors are non-nil", func(t *testing.T) {
		t.Parallel()
		for i, err := range errs {
			require.NotNil(t, err, "error at index %d should not be nil", i)
		}
	})

	t.Run("all error messages are unique", func(t *testing.T) {
		t.Parallel()
		seen := make(map[string]bool)
		for _, err := range errs {
			msg := err.Error()
			assert.False(t, seen[msg], "duplicate error message: %s", msg)
			seen[msg] = true
		}
	})
}

func TestErrorIs(t *testing.T) {
	t.Parallel()

	t.Run("fmt wrapping preserves identity", func(t *testing.T) {
		t.Parallel()
		wrapped := fmt.Errorf("failed to begin: %w", ErrBusy)
		assert.ErrorIs(t, wrapped, ErrBusy)
		assert.NotErrorIs(t, wrapped, ErrCannotNest)
	})

	t.Run("split content is not implemented", func(t *testing.T) {
		t.Parallel()
		assert.ErrorIs(t, ErrAmbiguousContent, ErrNotImplemented)
	})

	t.Run("string copies do not match", func(t *testing.T) {
		t.Parallel()
		copied := errors.New(ErrNotFound.Error())
		assert.False(t, errors.Is(copied, ErrNotFound))
	})
}

func TestGIDs(t *testing.T) {
	t.Parallel()

	a, b := NewGID(), NewGID()
	assert.NotEqual(t, a, b)
	assert.True(t, ValidGID(a), a)
	assert.Len(t, GIDPrefix(a), 8)
	assert.Equal(t, a[1:9], GIDPrefix(a))
	assert.False(t, ValidGID("g123"))
	assert.False(t, ValidGID("x"+a[1:]))
}

func TestParseAttrbitsMask(t *testing.T) {
	t.Parallel()

	mask, err := ParseAttrbitsMask([]string{"exec"})
	require.NoError(t, err)
	assert.Equal(t, AttrExec, mask)

	mask, err = ParseAttrbitsMask(nil)
	require.NoError(t, err)
	assert.Zero(t, mask)

	_, err = ParseAttrbitsMask([]string{"sticky"})
	assert.ErrorIs(t, err, ErrInvalidArg)
}
