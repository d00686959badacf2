package publisher

import (
	"context"
	"fmt"

	rediscommon "bustrack/common/redis"
	"bustrack/internal/models"

	"github.com/go-redis/redis/v8"
)

// DefaultStreamMaxLen 位置流近似上限
const DefaultStreamMaxLen = 100000

// StreamPublisher 将位置追加到 Redis Stream，供下游消费
type StreamPublisher struct {
	client *redis.Client
	stream string
	maxLen int64
}

// NewStreamPublisher 创建流发布器
func NewStreamPublisher(client *redis.Client, stream string, maxLen int64) *StreamPublisher {
	if maxLen <= 0 {
		maxLen = DefaultStreamMaxLen
	}
	return &StreamPublisher{client: client, stream: stream, maxLen: maxLen}
}

// Name 发布器名称
func (p *StreamPublisher) Name() string { return "redis-stream" }

// Publish 追加一条位置
func (p *StreamPublisher) Publish(ctx context.Context, fix *models.PositionFix) error {
	if _, err := rediscommon.PublishJSONToStream(ctx, p.client, p.stream, p.maxLen, fix); err != nil {
		return fmt.Errorf("failed to publish to stream %s: %w", p.stream, err)
	}
	return nil
}
