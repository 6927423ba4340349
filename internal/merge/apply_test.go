package merge

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"wcengine/internal/common"
)

func TestParkNameTaken(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"exists", fmt.Errorf("%w: .park.x.00", common.ErrExists), true},
		{"no effect", fmt.Errorf("%w: already there", common.ErrNoEffect), true},
		{"portability", common.ErrPortability, true},
		{"not found", common.ErrNotFound, false},
		{"other", errors.New("disk full"), false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, parkNameTaken(tt.err))
		})
	}
}
