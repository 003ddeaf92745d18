package queue

import (
	"context"

	"github.com/redis/rueidis"
)

// RedisTokenManager keeps the tokens in a redis list so every engine process
// pointed at the same key shares one cap on remote executions.
type RedisTokenManager struct {
	client rueidis.Client
	key    string
}

func NewRedisTokenManager(client rueidis.Client, key string) *RedisTokenManager {
	return &RedisTokenManager{
		client: client,
		key:    key,
	}
}

func (r *RedisTokenManager) AcquireToken(ctx context.Context) error {
	cmd := r.client.B().Lpop().Key(r.key).Build()

	if err := r.client.Do(ctx, cmd).Error(); err != nil {
		if rueidis.IsRedisNil(err) {
			return ErrNoTokenAvailable
		}
		return err
	}

	return nil
}

func (r *RedisTokenManager) ReleaseToken(ctx context.Context) error {
	cmd := r.client.B().Rpush().Key(r.key).Element("1").Build()
	return r.client.Do(ctx, cmd).Error()
}

// InitializeTokens replaces the list in one round trip.
func (r *RedisTokenManager) InitializeTokens(ctx context.Context, count int) error {
	cmds := rueidis.Commands{r.client.B().Del().Key(r.key).Build()}
	if count > 0 {
		elements := make([]string, count)
		for i := range elements {
			elements[i] = "1"
		}
		cmds = append(cmds, r.client.B().Rpush().Key(r.key).Element(elements...).Build())
	}

	for _, resp := range r.client.DoMulti(ctx, cmds...) {
		if err := resp.Error(); err != nil {
			return err
		}
	}
	return nil
}
