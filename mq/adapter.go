package mq

import (
	"fmt"
	"log"
	"os"
	"time"
)

// JobMessage 经由消息队列传递的群发任务
// 字段与 dispatch.Job 对齐，由入口处转换，避免包之间的循环依赖
type JobMessage struct {
	JobID     string `json:"job_id"`
	Kind      string `json:"kind"`
	PollID    uint   `json:"poll_id,omitempty"`
	Text      string `json:"text,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// JobHandler 任务消费回调
type JobHandler func(msg JobMessage) error

// Queue 消息队列的统一接口
type Queue interface {
	EnqueueJob(msg JobMessage) error
	RegisterHandler(handler JobHandler) error
	GetQueueStats() (map[string]int64, error)
	IsInitialized() bool
	Close() error
}

// Adapter 消息队列适配器
// 根据 MQ_TYPE 选择 RocketMQ 或 Redis 列表队列，RocketMQ 初始化失败时降级到 Redis
type Adapter struct {
	queue  Queue
	mqType string
}

// NewAdapter 创建并初始化消息队列适配器
func NewAdapter() (*Adapter, error) {
	adapter := &Adapter{}
	if err := adapter.initialize(); err != nil {
		return nil, err
	}
	return adapter, nil
}

func (a *Adapter) initialize() error {
	mqType := os.Getenv("MQ_TYPE")

	if mqType == "rocketmq" {
		rocket, err := NewRocketJobQueue()
		if err == nil {
			a.queue = rocket
			a.mqType = "rocketmq"
			log.Println("消息队列适配器: 使用 RocketMQ")
			return nil
		}
		log.Printf("RocketMQ 初始化失败，降级到 Redis 队列: %v", err)
	}

	redisQueue, err := NewRedisJobQueue()
	if err != nil {
		return fmt.Errorf("消息队列初始化失败: %w", err)
	}
	a.queue = redisQueue
	a.mqType = "redis"
	log.Println("消息队列适配器: 使用 Redis 列表队列")
	return nil
}

// Type 返回当前使用的队列类型
func (a *Adapter) Type() string {
	return a.mqType
}

// EnqueueJob 任务入队
func (a *Adapter) EnqueueJob(msg JobMessage) error {
	if !a.IsInitialized() {
		return fmt.Errorf("消息队列未初始化")
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().Unix()
	}
	return a.queue.EnqueueJob(msg)
}

// RegisterHandler 注册消费回调并启动消费
func (a *Adapter) RegisterHandler(handler JobHandler) error {
	if !a.IsInitialized() {
		return fmt.Errorf("消息队列未初始化")
	}
	return a.queue.RegisterHandler(handler)
}

// GetQueueStats 返回队列统计信息，供诊断接口使用
func (a *Adapter) GetQueueStats() (map[string]int64, error) {
	if !a.IsInitialized() {
		return nil, fmt.Errorf("消息队列未初始化")
	}
	return a.queue.GetQueueStats()
}

// RetryDeadLetters 把死信队列的任务重新入队，供人工恢复
// 仅Redis队列支持；RocketMQ的死信由broker侧工具处理
func (a *Adapter) RetryDeadLetters() (int, error) {
	if !a.IsInitialized() {
		return 0, fmt.Errorf("消息队列未初始化")
	}
	q, ok := a.queue.(*RedisJobQueue)
	if !ok {
		return 0, fmt.Errorf("当前队列类型 %s 不支持死信重试", a.mqType)
	}
	return q.RetryDeadLetters()
}

// IsInitialized 返回队列是否可用
func (a *Adapter) IsInitialized() bool {
	return a.queue != nil && a.queue.IsInitialized()
}

// Close 关闭底层队列
func (a *Adapter) Close() error {
	if a.queue == nil {
		return nil
	}
	return a.queue.Close()
}
