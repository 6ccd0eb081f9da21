package cache

import (
	"log"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
)

var (
	// rs 全局的Redsync实例
	rs *redsync.Redsync
)

// DistributedLockService 分布式锁服务
// 用于在多实例部署下串行化同一 (投票, 用户) 组合的读改写操作
type DistributedLockService struct {
	rs *redsync.Redsync
}

// InitDistLock 初始化分布式锁
func InitDistLock() {
	// 使用现有的Redis客户端
	client, err := GetClient()
	if err != nil {
		log.Printf("初始化分布式锁失败: %v", err)
		return
	}

	// 创建Redis连接池
	pool := goredis.NewPool(client)

	// 创建Redsync实例
	rs = redsync.New(pool)
	log.Println("分布式锁初始化成功")
}

// GetLockService 获取分布式锁服务实例，Redis不可用时返回nil
func GetLockService() *DistributedLockService {
	if rs == nil {
		InitDistLock()
	}
	if rs == nil {
		return nil
	}
	return &DistributedLockService{rs: rs}
}

// AcquireLock 尝试获取锁，带有超时时间
func (s *DistributedLockService) AcquireLock(lockName string, expiry time.Duration) (*redsync.Mutex, error) {
	mutex := s.rs.NewMutex(lockName,
		redsync.WithExpiry(expiry),
		redsync.WithTries(5),                        // 最大重试次数
		redsync.WithRetryDelay(50*time.Millisecond), // 重试延迟
		redsync.WithDriftFactor(0.01),               // 时钟漂移因子
	)

	if err := mutex.Lock(); err != nil {
		return nil, err
	}

	return mutex, nil
}

// ReleaseLock 释放锁
func (s *DistributedLockService) ReleaseLock(mutex *redsync.Mutex) (bool, error) {
	return mutex.Unlock()
}

// WithLock 在锁内执行操作
func (s *DistributedLockService) WithLock(lockName string, expiry time.Duration, action func() error) error {
	mutex, err := s.AcquireLock(lockName, expiry)
	if err != nil {
		return ErrLockNotAcquired
	}

	// 确保解锁
	defer func() {
		_, _ = s.ReleaseLock(mutex)
	}()

	// 执行业务逻辑
	return action()
}
