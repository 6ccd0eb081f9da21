package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// 全局Redis客户端
var (
	redisClient *redis.Client
	initOnce    sync.Once
	initialized bool

	// 计票缓存默认过期时间
	tallyExpiration = 10 * time.Minute
	// 缓存时间抖动系数，避免同时失效
	jitterFactor = 0.2
)

// InitRedis 初始化Redis连接
func InitRedis() error {
	var initErr error

	initOnce.Do(func() {
		// 从环境变量获取Redis连接信息
		redisAddr := os.Getenv("REDIS_ADDR")
		redisPassword := os.Getenv("REDIS_PASSWORD")
		redisDb := 0

		// 尝试从环境变量解析Redis数据库编号
		if dbStr := os.Getenv("REDIS_DB"); dbStr != "" {
			if db, err := strconv.Atoi(dbStr); err == nil {
				redisDb = db
			}
		}

		if redisAddr == "" {
			redisAddr = "localhost:6379"
		}

		log.Printf("初始化Redis连接, 地址: %s", redisAddr)

		// 创建Redis客户端
		redisClient = redis.NewClient(&redis.Options{
			Addr:        redisAddr,
			Password:    redisPassword,
			DB:          redisDb,
			DialTimeout: 3 * time.Second,
			ReadTimeout: 3 * time.Second,
			PoolSize:    10,
		})

		// 测试连接
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if _, err := redisClient.Ping(ctx).Result(); err != nil {
			redisClient = nil
			initErr = fmt.Errorf("Redis连接失败: %w", err)
			return
		}

		initialized = true
		log.Println("Redis连接初始化成功")
	})

	return initErr
}

// GetClient 获取Redis客户端
func GetClient() (*redis.Client, error) {
	if !initialized || redisClient == nil {
		return nil, ErrRedisNotAvailable
	}
	return redisClient, nil
}

// CloseRedis 关闭Redis连接
func CloseRedis() {
	if redisClient == nil {
		return
	}
	if err := redisClient.Close(); err != nil {
		log.Printf("关闭Redis连接失败: %v", err)
		return
	}
	log.Println("Redis连接已关闭")
}

// TallyCache 计票结果缓存，放在数据库前面加速读取
// Redis不可用时所有操作直接返回未命中，读取方回源数据库
type TallyCache struct {
	client *redis.Client
}

// NewTallyCache 创建计票缓存，client 可以为 nil（禁用缓存）
func NewTallyCache(client *redis.Client) *TallyCache {
	return &TallyCache{client: client}
}

// tallyKey 生成计票缓存键
func tallyKey(pollID uint) string {
	return fmt.Sprintf("poll_tally:%d", pollID)
}

// Set 缓存某个投票的计票结果
func (c *TallyCache) Set(ctx context.Context, pollID uint, value interface{}) error {
	if c == nil || c.client == nil {
		return ErrRedisNotAvailable
	}

	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("序列化计票结果失败: %w", err)
	}

	// 加入抖动，避免大量键同时过期
	jitter := time.Duration(rand.Float64() * jitterFactor * float64(tallyExpiration))
	return c.client.Set(ctx, tallyKey(pollID), data, tallyExpiration+jitter).Err()
}

// Get 读取缓存的计票结果，未命中返回 ErrCacheMiss
func (c *TallyCache) Get(ctx context.Context, pollID uint, dest interface{}) error {
	if c == nil || c.client == nil {
		return ErrCacheMiss
	}

	data, err := c.client.Get(ctx, tallyKey(pollID)).Bytes()
	if err == redis.Nil {
		return ErrCacheMiss
	}
	if err != nil {
		return err
	}

	return json.Unmarshal(data, dest)
}

// Invalidate 使某个投票的计票缓存失效（每次写入后调用）
func (c *TallyCache) Invalidate(ctx context.Context, pollID uint) {
	if c == nil || c.client == nil {
		return
	}
	if err := c.client.Del(ctx, tallyKey(pollID)).Err(); err != nil {
		log.Printf("使计票缓存失效失败: poll=%d, err=%v", pollID, err)
	}
}
