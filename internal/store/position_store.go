package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"bustrack/internal/models"

	"github.com/go-redis/redis/v8"
)

// ErrMiss 缓存未命中
var ErrMiss = errors.New("cache miss")

const (
	// DefaultLocationPrefix 位置值的 key 前缀，后接设备标识（tracker id）
	DefaultLocationPrefix = "bus:location:"
	// DefaultGeoKey GEO 索引 key
	DefaultGeoKey = "bus:geo"

	scanCount = 200
	mgetBatch = 200
)

// PositionStore 共享位置存储：按设备覆盖写入 + GEO 索引
type PositionStore interface {
	Put(ctx context.Context, deviceID string, fix *models.PositionFix, ttl time.Duration) error
	Get(ctx context.Context, deviceID string) (*models.PositionFix, error)
	Delete(ctx context.Context, deviceID string) error
	GeoIndex(ctx context.Context, deviceID string, lat, lon float64) error
	NearestWithinRadius(ctx context.Context, lat, lon, radiusMeters float64) ([]string, error)
	ScanAll(ctx context.Context) ([]*models.PositionFix, error)
	ClearAll(ctx context.Context) error
}

// RedisPositionStore PositionStore 的 Redis 实现
// 值与 GEO 索引是两个独立结构，写入不做事务耦合
type RedisPositionStore struct {
	client *redis.Client
	prefix string
	geoKey string
}

// NewRedisPositionStore 创建 Redis 位置存储
func NewRedisPositionStore(client *redis.Client) *RedisPositionStore {
	return &RedisPositionStore{
		client: client,
		prefix: DefaultLocationPrefix,
		geoKey: DefaultGeoKey,
	}
}

func (s *RedisPositionStore) key(deviceID string) string {
	return s.prefix + deviceID
}

// Put 无条件覆盖并刷新 TTL
func (s *RedisPositionStore) Put(ctx context.Context, deviceID string, fix *models.PositionFix, ttl time.Duration) error {
	b, err := json.Marshal(fix)
	if err != nil {
		return fmt.Errorf("failed to marshal position: %w", err)
	}
	if err := s.client.Set(ctx, s.key(deviceID), b, ttl).Err(); err != nil {
		return fmt.Errorf("failed to write position: %w", err)
	}
	return nil
}

// Get 读取设备最新位置，不存在时返回 ErrMiss
func (s *RedisPositionStore) Get(ctx context.Context, deviceID string) (*models.PositionFix, error) {
	val, err := s.client.Get(ctx, s.key(deviceID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrMiss
		}
		return nil, fmt.Errorf("failed to read position: %w", err)
	}
	var fix models.PositionFix
	if err := json.Unmarshal(val, &fix); err != nil {
		return nil, fmt.Errorf("failed to unmarshal position: %w", err)
	}
	return &fix, nil
}

// Delete 删除设备位置及其 GEO 成员
func (s *RedisPositionStore) Delete(ctx context.Context, deviceID string) error {
	if err := s.client.Del(ctx, s.key(deviceID)).Err(); err != nil {
		return fmt.Errorf("failed to delete position: %w", err)
	}
	if err := s.client.ZRem(ctx, s.geoKey, deviceID).Err(); err != nil {
		return fmt.Errorf("failed to remove geo member: %w", err)
	}
	return nil
}

// GeoIndex 更新设备在 GEO 索引中的坐标
func (s *RedisPositionStore) GeoIndex(ctx context.Context, deviceID string, lat, lon float64) error {
	err := s.client.GeoAdd(ctx, s.geoKey, &redis.GeoLocation{
		Name:      deviceID,
		Longitude: lon,
		Latitude:  lat,
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to index position: %w", err)
	}
	return nil
}

// NearestWithinRadius 半径内的设备，按距离升序
func (s *RedisPositionStore) NearestWithinRadius(ctx context.Context, lat, lon, radiusMeters float64) ([]string, error) {
	locs, err := s.client.GeoRadius(ctx, s.geoKey, lon, lat, &redis.GeoRadiusQuery{
		Radius:   radiusMeters,
		Unit:     "m",
		WithDist: true,
		Sort:     "ASC",
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query geo radius: %w", err)
	}
	ids := make([]string, 0, len(locs))
	for _, l := range locs {
		ids = append(ids, l.Name)
	}
	return ids, nil
}

// ScanAll 扫描全部位置值，按设备标识排序返回
func (s *RedisPositionStore) ScanAll(ctx context.Context) ([]*models.PositionFix, error) {
	keys, err := s.scanKeys(ctx)
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)

	fixes := make([]*models.PositionFix, 0, len(keys))
	for start := 0; start < len(keys); start += mgetBatch {
		end := start + mgetBatch
		if end > len(keys) {
			end = len(keys)
		}
		vals, err := s.client.MGet(ctx, keys[start:end]...).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read positions: %w", err)
		}
		for _, v := range vals {
			str, ok := v.(string)
			if !ok {
				// 扫描与读取之间过期
				continue
			}
			var fix models.PositionFix
			if err := json.Unmarshal([]byte(str), &fix); err != nil {
				continue
			}
			fixes = append(fixes, &fix)
		}
	}
	return fixes, nil
}

// ClearAll 清空全部位置值与 GEO 索引
func (s *RedisPositionStore) ClearAll(ctx context.Context) error {
	keys, err := s.scanKeys(ctx)
	if err != nil {
		return err
	}
	for start := 0; start < len(keys); start += mgetBatch {
		end := start + mgetBatch
		if end > len(keys) {
			end = len(keys)
		}
		if err := s.client.Del(ctx, keys[start:end]...).Err(); err != nil {
			return fmt.Errorf("failed to delete positions: %w", err)
		}
	}
	if err := s.client.Del(ctx, s.geoKey).Err(); err != nil {
		return fmt.Errorf("failed to delete geo index: %w", err)
	}
	return nil
}

func (s *RedisPositionStore) scanKeys(ctx context.Context) ([]string, error) {
	var keys []string
	var cursor uint64
	for {
		k, next, err := s.client.Scan(ctx, cursor, s.prefix+"*", scanCount).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan positions: %w", err)
		}
		keys = append(keys, k...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return keys, nil
}

// MatchesRoute 线路号与方向均按大小写不敏感匹配
func MatchesRoute(fix *models.PositionFix, busNumber, direction string) bool {
	if fix == nil || fix.TripDirection == nil {
		return false
	}
	return strings.EqualFold(fix.BusNumber, busNumber) && strings.EqualFold(*fix.TripDirection, direction)
}

// FilterRoute 过滤出指定线路+方向的位置
func FilterRoute(fixes []*models.PositionFix, busNumber, direction string) []*models.PositionFix {
	var out []*models.PositionFix
	for _, f := range fixes {
		if MatchesRoute(f, busNumber, direction) {
			out = append(out, f)
		}
	}
	return out
}
