package membership

import (
	"errors"
	"net/http"
	"testing"

	sharederrors "github.com/seatpool/server/internal/shared/errors"
	"github.com/stretchr/testify/assert"
)

func TestClassifyStatus(t *testing.T) {
	cases := []struct {
		name      string
		status    int
		transient bool
		terminal  bool
	}{
		{"ok", http.StatusOK, false, false},
		{"created", http.StatusCreated, false, false},
		{"rate limited", http.StatusTooManyRequests, true, false},
		{"server error", http.StatusInternalServerError, true, false},
		{"bad gateway", http.StatusBadGateway, true, false},
		{"bad request", http.StatusBadRequest, false, true},
		{"forbidden", http.StatusForbidden, false, true},
		{"not found", http.StatusNotFound, false, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := classifyStatus(tc.status)
			if !tc.transient && !tc.terminal {
				assert.NoError(t, err)
				return
			}
			assert.Equal(t, tc.transient, sharederrors.IsTransient(err))
			assert.Equal(t, tc.terminal, sharederrors.IsTerminal(err))
		})
	}
}

func TestClassifyTransportErrorsAreTransient(t *testing.T) {
	err := classify(errors.New("connection refused"))
	assert.True(t, sharederrors.IsTransient(err))
	assert.False(t, sharederrors.IsTerminal(err))
}

func TestClassifyNil(t *testing.T) {
	assert.NoError(t, classify(nil))
}
