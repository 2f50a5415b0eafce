package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"auth", fmt.Errorf("%w: bad key", ErrAuthFailure), KindAuth},
		{"rate limit", fmt.Errorf("%w: 429", ErrRateLimited), KindRateLimit},
		{"connection", fmt.Errorf("dial: %w", ErrConnectionLost), KindConnection},
		{"normalization", fmt.Errorf("%w: below min qty", ErrNormalizationRejected), KindNormalization},
		{"persistence with cause", fmt.Errorf("%w: failed to insert: %w", ErrPersistenceFailure, errors.New("conn reset")), KindPersistence},
		{"other", errors.New("boom"), KindOther},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}
