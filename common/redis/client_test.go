package redis

import (
	"context"
	"testing"

	"bustrack/common/config"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRedisClient_Ping(t *testing.T) {
	mr := miniredis.RunT(t)
	client := NewRedisClient(&config.RedisConfig{Addr: mr.Addr(), PoolSize: 4})
	defer Close(client)

	assert.Equal(t, 4, client.Options().PoolSize)
	require.NoError(t, Ping(context.Background(), client))

	mr.Close()
	err := Ping(context.Background(), client)
	require.Error(t, err)
	assert.Contains(t, err.Error(), mr.Addr())
}

func TestClose_NilClient(t *testing.T) {
	assert.NoError(t, Close(nil))
}
