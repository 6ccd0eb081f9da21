package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// 任务状态
const (
	StatusCompleted  = "completed"   // 所有接收者都已尝试
	StatusNotStarted = "not_started" // 致命初始化错误，没有尝试任何发送
)

// RecipientFailure 单个接收者的投递失败明细，仅用于诊断
type RecipientFailure struct {
	UserTGID  int64  `json:"user_tg_id"`
	Permanent bool   `json:"permanent"`
	Reason    string `json:"reason"`
}

// Report 一次群发任务的汇总报告
type Report struct {
	JobID      string             `json:"job_id"`
	Kind       JobKind            `json:"kind"`
	Status     string             `json:"status"`
	Sent       int                `json:"sent"`
	Failed     int                `json:"failed"`
	Total      int                `json:"total"`
	Failures   []RecipientFailure `json:"failures,omitempty"`
	StartedAt  time.Time          `json:"started_at"`
	FinishedAt time.Time          `json:"finished_at"`
}

// ReportStore 群发报告的存取接口，供诊断查询
type ReportStore interface {
	Save(ctx context.Context, report Report) error
	Get(ctx context.Context, jobID string) (Report, bool, error)
}

// MemoryReportStore 进程内报告存储，Redis不可用时的兜底
type MemoryReportStore struct {
	mu      sync.RWMutex
	reports map[string]Report
}

// NewMemoryReportStore 创建进程内报告存储
func NewMemoryReportStore() *MemoryReportStore {
	return &MemoryReportStore{reports: make(map[string]Report)}
}

// Save 保存报告
func (s *MemoryReportStore) Save(_ context.Context, report Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports[report.JobID] = report
	return nil
}

// Get 按任务ID读取报告
func (s *MemoryReportStore) Get(_ context.Context, jobID string) (Report, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	report, ok := s.reports[jobID]
	return report, ok, nil
}

// RedisReportStore 基于Redis的报告存储，多实例部署下共享可见
type RedisReportStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisReportStore 创建Redis报告存储
func NewRedisReportStore(client *redis.Client) *RedisReportStore {
	return &RedisReportStore{
		client: client,
		ttl:    48 * time.Hour, // 报告只为诊断服务，过期自动清理
	}
}

// reportKey 生成报告键
func reportKey(jobID string) string {
	return fmt.Sprintf("dispatch_report:%s", jobID)
}

// Save 保存报告
func (s *RedisReportStore) Save(ctx context.Context, report Report) error {
	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("序列化群发报告失败: %w", err)
	}
	return s.client.Set(ctx, reportKey(report.JobID), data, s.ttl).Err()
}

// Get 按任务ID读取报告
func (s *RedisReportStore) Get(ctx context.Context, jobID string) (Report, bool, error) {
	data, err := s.client.Get(ctx, reportKey(jobID)).Bytes()
	if err == redis.Nil {
		return Report{}, false, nil
	}
	if err != nil {
		return Report{}, false, err
	}

	var report Report
	if err := json.Unmarshal(data, &report); err != nil {
		return Report{}, false, err
	}
	return report, true, nil
}
