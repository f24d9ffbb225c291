package message_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sneh-joshi/poplog/internal/message"
	"github.com/sneh-joshi/poplog/internal/stream/memory"
	"github.com/sneh-joshi/poplog/internal/types"
)

func TestLog_AppendFetchSizes(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	l, err := message.Open(ctx, store, "orders/0/message", message.Config{})
	require.NoError(t, err)

	for _, body := range []string{"a", "bbbb", "cc"} {
		_, err := l.Append(ctx, &types.Message{ID: body, Topic: "orders", Body: []byte(body)})
		require.NoError(t, err)
	}
	assert.Equal(t, int64(3), l.EndOffset())
	assert.Equal(t, int64(4), l.SizeOf(1))
	assert.Zero(t, l.SizeOf(3))

	m, err := l.Fetch(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, "cc", string(m.Body))
	assert.Equal(t, int64(2), m.Offset)

	_, err = l.Fetch(ctx, 3)
	assert.ErrorIs(t, err, message.ErrNotFound)
}

func TestLog_ReopenRebuildsIndex(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	l, err := message.Open(ctx, store, "q", message.Config{})
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		_, err := l.Append(ctx, &types.Message{Body: make([]byte, i+1)})
		require.NoError(t, err)
	}
	require.NoError(t, l.Trim(ctx, 2))

	again, err := message.Open(ctx, store, "q", message.Config{})
	require.NoError(t, err)
	assert.Equal(t, int64(4), again.EndOffset())
	assert.Equal(t, int64(3), again.SizeOf(2))
	assert.Zero(t, again.SizeOf(1), "trimmed")

	_, err = again.Fetch(ctx, 1)
	assert.ErrorIs(t, err, message.ErrNotFound)
}

func TestLog_RejectsLargeBodies(t *testing.T) {
	ctx := context.Background()
	l, err := message.Open(ctx, memory.New(), "q", message.Config{MaxBodyBytes: 8})
	require.NoError(t, err)
	_, err = l.Append(ctx, &types.Message{Body: make([]byte, 9)})
	assert.ErrorIs(t, err, message.ErrTooLarge)
	assert.Zero(t, l.EndOffset())
}
