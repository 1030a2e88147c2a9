package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassificationRoundTrip(t *testing.T) {
	base := stderrors.New("boom")

	assert.True(t, IsTransient(Transient(base)))
	assert.False(t, IsTerminal(Transient(base)))

	assert.True(t, IsTerminal(Terminal(base)))
	assert.False(t, IsTransient(Terminal(base)))
}

func TestUnclassifiedDefaultsToTransient(t *testing.T) {
	// An unknown fault is retried rather than silently dropped.
	assert.True(t, IsTransient(stderrors.New("mystery")))
	assert.False(t, IsTerminal(stderrors.New("mystery")))
}

func TestClassSurvivesWrapping(t *testing.T) {
	wrapped := fmt.Errorf("call failed: %w", Terminal(stderrors.New("rejected")))
	assert.True(t, IsTerminal(wrapped))

	base := stderrors.New("inner")
	assert.True(t, stderrors.Is(Transient(base), base), "the cause stays reachable")
}

func TestNilStaysNil(t *testing.T) {
	assert.NoError(t, Transient(nil))
	assert.NoError(t, Terminal(nil))
}
