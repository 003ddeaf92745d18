package queue

import (
	"context"
	"errors"
	"testing"

	"github.com/redis/rueidis"
	"github.com/redis/rueidis/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func TestLocalTokenManager(t *testing.T) {
	ctx := context.Background()
	m := NewLocalTokenManager(2)

	require.NoError(t, m.AcquireToken(ctx))
	require.NoError(t, m.AcquireToken(ctx))
	require.ErrorIs(t, m.AcquireToken(ctx), ErrNoTokenAvailable)

	require.NoError(t, m.ReleaseToken(ctx))
	require.NoError(t, m.ReleaseToken(ctx))
	require.NoError(t, m.ReleaseToken(ctx))
	require.Equal(t, 2, m.Available())

	require.NoError(t, m.InitializeTokens(ctx, 1))
	require.NoError(t, m.AcquireToken(ctx))
	require.ErrorIs(t, m.AcquireToken(ctx), ErrNoTokenAvailable)
}

func TestLocalTokenManager_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.ErrorIs(t, NewLocalTokenManager(1).AcquireToken(ctx), context.Canceled)
}

func TestRedisTokenManager_Acquire(t *testing.T) {
	ctrl := gomock.NewController(t)
	client := mock.NewClient(ctrl)
	ctx := context.Background()

	gomock.InOrder(
		client.EXPECT().Do(ctx, mock.Match("LPOP", "dify:tokens")).Return(mock.Result(mock.RedisString("1"))),
		client.EXPECT().Do(ctx, mock.Match("LPOP", "dify:tokens")).Return(mock.Result(mock.RedisNil())),
		client.EXPECT().Do(ctx, mock.Match("LPOP", "dify:tokens")).Return(mock.ErrorResult(errors.New("i/o timeout"))),
	)

	m := NewRedisTokenManager(client, "dify:tokens")
	require.NoError(t, m.AcquireToken(ctx))
	require.ErrorIs(t, m.AcquireToken(ctx), ErrNoTokenAvailable)

	err := m.AcquireToken(ctx)
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrNoTokenAvailable)
}

func TestRedisTokenManager_ReleaseAndInitialize(t *testing.T) {
	ctrl := gomock.NewController(t)
	client := mock.NewClient(ctrl)
	ctx := context.Background()

	client.EXPECT().
		Do(ctx, mock.Match("RPUSH", "dify:tokens", "1")).
		Return(mock.Result(mock.RedisInt64(1)))
	client.EXPECT().
		DoMulti(ctx, mock.Match("DEL", "dify:tokens"), mock.Match("RPUSH", "dify:tokens", "1", "1", "1")).
		Return([]rueidis.RedisResult{
			mock.Result(mock.RedisInt64(1)),
			mock.Result(mock.RedisInt64(3)),
		})

	m := NewRedisTokenManager(client, "dify:tokens")
	require.NoError(t, m.ReleaseToken(ctx))
	require.NoError(t, m.InitializeTokens(ctx, 3))
}
