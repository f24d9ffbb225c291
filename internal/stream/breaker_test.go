package stream_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sneh-joshi/poplog/internal/stream"
	"github.com/sneh-joshi/poplog/internal/stream/memory"
)

var errDisk = errors.New("disk on fire")

func TestWithBreaker_DisabledReturnsStore(t *testing.T) {
	s := memory.New()
	assert.Same(t, stream.Store(s), stream.WithBreaker(s, stream.BreakerConfig{}, nil))
}

func TestWithBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	ctx := context.Background()
	mem := memory.New()
	id, err := mem.Open(ctx, "s")
	require.NoError(t, err)

	g := stream.WithBreaker(mem, stream.BreakerConfig{Failures: 2, OpenTimeout: time.Hour}, nil)

	mem.SetAppendHook(func(stream.ID, string, []byte) (bool, error) { return false, errDisk })
	_, err = g.Append(ctx, id, []byte("a"))
	require.ErrorIs(t, err, errDisk)
	_, err = g.Append(ctx, id, []byte("b"))
	require.ErrorIs(t, err, errDisk)

	// The store recovered but the circuit is open until the timeout.
	mem.SetAppendHook(nil)
	_, err = g.Append(ctx, id, []byte("c"))
	require.ErrorIs(t, err, stream.ErrUnavailable)

	info, err := g.Info(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(0), info.EndOffset, "no append reached the store while open")
	assert.Equal(t, "open", g.(*stream.Guarded).State())
}

func TestWithBreaker_CallerErrorsDoNotTrip(t *testing.T) {
	mem := memory.New()
	id, err := mem.Open(context.Background(), "s")
	require.NoError(t, err)
	g := stream.WithBreaker(mem, stream.BreakerConfig{Failures: 1, OpenTimeout: time.Hour}, nil)

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = g.Append(cancelled, id, []byte("a"))
	require.ErrorIs(t, err, context.Canceled)

	off, err := g.Append(context.Background(), id, []byte("b"))
	require.NoError(t, err)
	assert.Equal(t, int64(0), off)
}

func TestReadAll_WalksEveryBatch(t *testing.T) {
	ctx := context.Background()
	mem := memory.New()
	id, err := mem.Open(ctx, "s")
	require.NoError(t, err)
	for i := 0; i < 7; i++ {
		_, err := mem.Append(ctx, id, []byte{byte(i)})
		require.NoError(t, err)
	}
	require.NoError(t, mem.Trim(ctx, id, 2))

	var got []int64
	err = stream.ReadAll(ctx, mem, id, 2, 2, func(r stream.Record) error {
		got = append(got, r.Offset)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 3, 4, 5, 6}, got)
}
