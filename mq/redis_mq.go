package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"pollbot-backend/cache"

	"github.com/redis/go-redis/v9"
)

// Redis 列表队列的键
const (
	jobQueueKey        = "dispatch_jobs"             // 主队列
	processingKey      = "dispatch_jobs_processing"  // 处理中队列，消费前先搬入
	deadLetterKey      = "dispatch_jobs_dead_letter" // 死信队列
	retryCountKey      = "dispatch_jobs_retries"     // 各任务的重试计数
	enqueuedSetKey     = "dispatch_jobs_enqueued"    // 已入队任务ID，幂等入队用
	maxRetries         = 3
	consumeTimeout     = 5 * time.Second
	processingTimeout  = 10 * time.Minute
	stuckCheckInterval = time.Minute
	enqueuedSetTTL     = 48 * time.Hour
)

// RedisJobQueue 基于 Redis 列表的任务队列
// BRPopLPush 把消息搬进处理中队列，处理成功后删除；
// 失败重入主队列，超过重试上限进死信队列
type RedisJobQueue struct {
	client  *redis.Client
	handler JobHandler
	mu      sync.RWMutex
	closed  bool
	done    chan struct{}
}

// NewRedisJobQueue 创建 Redis 任务队列
func NewRedisJobQueue() (*RedisJobQueue, error) {
	client, err := cache.GetClient()
	if err != nil {
		return nil, err
	}
	return &RedisJobQueue{
		client: client,
		done:   make(chan struct{}),
	}, nil
}

// IsInitialized 返回队列是否可用
func (q *RedisJobQueue) IsInitialized() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.client != nil && !q.closed
}

// EnqueueJob 任务入队
// 同一任务ID只入队一次，重复触发的请求被忽略
func (q *RedisJobQueue) EnqueueJob(msg JobMessage) error {
	if msg.JobID == "" {
		return fmt.Errorf("任务ID为空，拒绝入队")
	}

	ctx := context.Background()

	added, err := q.client.SAdd(ctx, enqueuedSetKey, msg.JobID).Result()
	if err != nil {
		return fmt.Errorf("检查任务幂等性失败: %w", err)
	}
	q.client.Expire(ctx, enqueuedSetKey, enqueuedSetTTL)
	if added == 0 {
		log.Printf("任务 %s 已入过队，忽略重复请求", msg.JobID)
		return nil
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("序列化任务消息失败: %w", err)
	}

	if err := q.client.LPush(ctx, jobQueueKey, data).Err(); err != nil {
		// 入队失败时回滚幂等标记，让调用方可以重试
		q.client.SRem(ctx, enqueuedSetKey, msg.JobID)
		return fmt.Errorf("任务入队失败: %w", err)
	}

	log.Printf("任务已入队: id=%s, kind=%s", msg.JobID, msg.Kind)
	return nil
}

// RegisterHandler 注册消费回调并启动后台消费循环
func (q *RedisJobQueue) RegisterHandler(handler JobHandler) error {
	q.mu.Lock()
	if q.handler != nil {
		q.mu.Unlock()
		return fmt.Errorf("消费回调已注册")
	}
	q.handler = handler
	q.mu.Unlock()

	go q.consumeLoop()
	go q.requeueStuckLoop()
	log.Println("Redis 任务队列消费循环已启动")
	return nil
}

// consumeLoop 消费主循环
func (q *RedisJobQueue) consumeLoop() {
	ctx := context.Background()
	for {
		select {
		case <-q.done:
			return
		default:
		}

		data, err := q.client.BRPopLPush(ctx, jobQueueKey, processingKey, consumeTimeout).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			log.Printf("读取任务队列失败: %v", err)
			time.Sleep(time.Second)
			continue
		}

		q.processMessage(ctx, data)
	}
}

// processMessage 处理单条消息
func (q *RedisJobQueue) processMessage(ctx context.Context, data string) {
	var msg JobMessage
	if err := json.Unmarshal([]byte(data), &msg); err != nil {
		// 无法解析的消息直接进死信队列
		log.Printf("任务消息解析失败，移入死信队列: %v", err)
		q.client.LPush(ctx, deadLetterKey, data)
		q.client.LRem(ctx, processingKey, 1, data)
		return
	}

	q.mu.RLock()
	handler := q.handler
	q.mu.RUnlock()

	if err := handler(msg); err != nil {
		log.Printf("任务 %s 处理失败: %v", msg.JobID, err)
		q.handleFailure(ctx, msg, data)
		return
	}

	q.client.LRem(ctx, processingKey, 1, data)
	q.client.HDel(ctx, retryCountKey, msg.JobID)
}

// handleFailure 失败重试，超过上限进死信队列
func (q *RedisJobQueue) handleFailure(ctx context.Context, msg JobMessage, data string) {
	retries, err := q.client.HIncrBy(ctx, retryCountKey, msg.JobID, 1).Result()
	if err != nil {
		log.Printf("更新任务 %s 重试计数失败: %v", msg.JobID, err)
		retries = maxRetries
	}

	q.client.LRem(ctx, processingKey, 1, data)

	if retries >= maxRetries {
		log.Printf("任务 %s 重试 %d 次仍失败，移入死信队列", msg.JobID, retries)
		q.client.LPush(ctx, deadLetterKey, data)
		q.client.HDel(ctx, retryCountKey, msg.JobID)
		return
	}

	log.Printf("任务 %s 重入队列，第 %d 次重试", msg.JobID, retries)
	q.client.LPush(ctx, jobQueueKey, data)
}

// requeueStuckLoop 定期检查滞留在处理中队列的消息
// 消费者崩溃时处理中的消息不会丢失
func (q *RedisJobQueue) requeueStuckLoop() {
	ticker := time.NewTicker(stuckCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-q.done:
			return
		case <-ticker.C:
			q.requeueStuck(context.Background())
		}
	}
}

// stuckAction 滞留消息的处置方式
type stuckAction int

const (
	stuckKeep stuckAction = iota
	stuckRequeue
	stuckDeadLetter
)

// classifyStuck 判定处理中队列里一条消息的去向
// 超时窗口内的消息保留原位（消费者可能仍在执行），
// 超时且重试超限的进死信队列，其余重入主队列
func classifyStuck(msg JobMessage, now int64, retries int64) stuckAction {
	if now-msg.Timestamp <= int64(processingTimeout.Seconds()) {
		return stuckKeep
	}
	if retries >= maxRetries {
		return stuckDeadLetter
	}
	return stuckRequeue
}

func (q *RedisJobQueue) requeueStuck(ctx context.Context) {
	items, err := q.client.LRange(ctx, processingKey, 0, -1).Result()
	if err != nil {
		log.Printf("读取处理中队列失败: %v", err)
		return
	}

	now := time.Now().Unix()
	for _, data := range items {
		var msg JobMessage
		if err := json.Unmarshal([]byte(data), &msg); err != nil {
			log.Printf("处理中队列消息解析失败，移入死信队列: %v", err)
			q.client.LPush(ctx, deadLetterKey, data)
			q.client.LRem(ctx, processingKey, 1, data)
			continue
		}

		retries, _ := q.client.HGet(ctx, retryCountKey, msg.JobID).Int64()
		switch classifyStuck(msg, now, retries) {
		case stuckKeep:

		case stuckDeadLetter:
			log.Printf("任务 %s 滞留且重试超限，移入死信队列", msg.JobID)
			q.client.LPush(ctx, deadLetterKey, data)
			q.client.LRem(ctx, processingKey, 1, data)
			q.client.HDel(ctx, retryCountKey, msg.JobID)

		case stuckRequeue:
			q.client.HIncrBy(ctx, retryCountKey, msg.JobID, 1)
			// 重置时间戳，否则下一轮检查会立即再次命中
			msg.Timestamp = now
			updated, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			q.client.LRem(ctx, processingKey, 1, data)
			q.client.LPush(ctx, jobQueueKey, updated)
			log.Printf("任务 %s 滞留超时，已重入主队列", msg.JobID)
		}
	}
}

// RetryDeadLetters 把死信队列的消息全部搬回主队列，供人工恢复
func (q *RedisJobQueue) RetryDeadLetters() (int, error) {
	ctx := context.Background()
	moved := 0
	for {
		data, err := q.client.RPop(ctx, deadLetterKey).Result()
		if err == redis.Nil {
			break
		}
		if err != nil {
			return moved, err
		}
		if err := q.client.LPush(ctx, jobQueueKey, data).Err(); err != nil {
			return moved, err
		}
		moved++
	}
	return moved, nil
}

// GetQueueStats 返回各队列长度
func (q *RedisJobQueue) GetQueueStats() (map[string]int64, error) {
	ctx := context.Background()
	stats := make(map[string]int64)

	pending, err := q.client.LLen(ctx, jobQueueKey).Result()
	if err != nil {
		return nil, err
	}
	stats["pending"] = pending

	processing, err := q.client.LLen(ctx, processingKey).Result()
	if err != nil {
		return nil, err
	}
	stats["processing"] = processing

	dead, err := q.client.LLen(ctx, deadLetterKey).Result()
	if err != nil {
		return nil, err
	}
	stats["dead_letter"] = dead

	return stats, nil
}

// Close 停止消费循环
func (q *RedisJobQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	close(q.done)
	return nil
}
