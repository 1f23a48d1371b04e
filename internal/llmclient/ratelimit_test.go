package llmclient

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingDecider struct{ calls int }

func (c *countingDecider) Decide(context.Context, Request) (*Decision, error) {
	c.calls++
	return &Decision{Text: "ok"}, nil
}

func TestNewRateLimitedDisabledReturnsNext(t *testing.T) {
	next := &countingDecider{}
	assert.Same(t, next, NewRateLimited(next, 0))
}

func TestRateLimitedPacesCalls(t *testing.T) {
	next := &countingDecider{}
	d := NewRateLimited(next, 60)

	_, err := d.Decide(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, 1, next.calls)

	// The bucket is empty now, so a cancelled context cannot wait for the next token.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = d.Decide(ctx, Request{})
	assert.Error(t, err)
	assert.Equal(t, 1, next.calls)
}
