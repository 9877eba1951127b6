package pending

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPending_ResolveOnce(t *testing.T) {
	t.Parallel()

	p := New[string]()
	assert.True(t, p.Resolve("first"))
	assert.False(t, p.Resolve("second"))
	assert.False(t, p.Fail(errors.New("late")))

	v, err := p.Result()
	require.NoError(t, err)
	assert.Equal(t, "first", v)
}

func TestPending_Fail(t *testing.T) {
	t.Parallel()

	want := errors.New("boom")
	p := New[int]()
	assert.True(t, p.Fail(want))
	assert.False(t, p.Resolve(42))

	_, err := p.Result()
	assert.ErrorIs(t, err, want)
}

func TestPending_AwaitBlocksUntilResolved(t *testing.T) {
	t.Parallel()

	p := New[string]()
	go func() {
		time.Sleep(20 * time.Millisecond)
		p.Resolve("done")
	}()

	v, err := p.Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "done", v)
}

func TestPending_AwaitHonorsContext(t *testing.T) {
	t.Parallel()

	p := New[string]()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := p.Await(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
