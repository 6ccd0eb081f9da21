package dispatch

import (
	"context"
	"fmt"
	"log"
	"time"

	"pollbot-backend/models"
	"pollbot-backend/transport"
	"pollbot-backend/voting"

	"golang.org/x/time/rate"
)

// recipientBatchSize 遍历名录时的分批大小
const recipientBatchSize = 500

// MessageBuilder 按接收者构造消息内容
type MessageBuilder func(user models.BotUser) transport.Message

// RecipientSource 群发遍历的接收者来源（由名录实现）
type RecipientSource interface {
	ForEach(ctx context.Context, batchSize int, fn func(models.BotUser) error) error
}

// PollLookup 群发任务需要的投票只读视图（由投票引擎实现）
type PollLookup interface {
	GetTally(ctx context.Context, pollID uint) (voting.Tally, error)
}

// Dispatcher 群发引擎
// 遍历名录逐个发送，单个接收者的失败只计入报告、不中断批次；
// 每次发送之间按 pace 限速，失败也不跳过间隔
type Dispatcher struct {
	recipients RecipientSource
	transport  transport.Transport
	polls      PollLookup
	pace       time.Duration
	reports    ReportStore
}

// NewDispatcher 创建群发引擎
func NewDispatcher(recipients RecipientSource, tr transport.Transport, polls PollLookup, pace time.Duration, reports ReportStore) *Dispatcher {
	if reports == nil {
		reports = NewMemoryReportStore()
	}
	return &Dispatcher{
		recipients: recipients,
		transport:  tr,
		polls:      polls,
		pace:       pace,
		reports:    reports,
	}
}

// Reports 返回报告存储，供诊断查询
func (d *Dispatcher) Reports() ReportStore {
	return d.reports
}

// RunJob 执行一次群发任务，阻塞直到所有接收者处理完毕
// 调用方（消息队列消费者）自身运行在后台，触发请求不会等待这里
func (d *Dispatcher) RunJob(ctx context.Context, job Job) (Report, error) {
	report := Report{
		JobID:     job.ID,
		Kind:      job.Kind,
		Status:    StatusNotStarted,
		StartedAt: time.Now(),
	}

	// 传输层初始化失败对整个任务是致命的，与单个接收者的失败不同
	if d.transport == nil || !d.transport.IsInitialized() {
		log.Printf("群发任务 %s 终止: 传输层未初始化", job.ID)
		report.FinishedAt = time.Now()
		d.saveReport(ctx, report)
		return report, transport.ErrNotInitialized
	}

	builder, err := d.resolveBuilder(ctx, job)
	if err != nil {
		log.Printf("群发任务 %s 终止: %v", job.ID, err)
		report.FinishedAt = time.Now()
		d.saveReport(ctx, report)
		return report, err
	}

	limiter := rate.NewLimiter(rate.Every(d.pace), 1)

	err = d.recipients.ForEach(ctx, recipientBatchSize, func(user models.BotUser) error {
		// 取消检查: 每次发送前的廉价检查点
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		// 限速，失败的发送同样占用一个时间片
		if waitErr := limiter.Wait(ctx); waitErr != nil {
			return waitErr
		}

		report.Total++
		msg := builder(user)
		if sendErr := d.transport.Send(ctx, user.UserTGID, msg); sendErr != nil {
			report.Failed++
			permanent := transport.IsPermanent(sendErr)
			report.Failures = append(report.Failures, RecipientFailure{
				UserTGID:  user.UserTGID,
				Permanent: permanent,
				Reason:    sendErr.Error(),
			})
			if permanent {
				log.Printf("接收者 %d 不可达，跳过: %v", user.UserTGID, sendErr)
			} else {
				log.Printf("向接收者 %d 发送失败: %v", user.UserTGID, sendErr)
			}
			return nil
		}

		report.Sent++
		return nil
	})
	if err != nil {
		// 遍历被取消或名录读取失败，保留已累计的计数
		report.FinishedAt = time.Now()
		d.saveReport(ctx, report)
		return report, fmt.Errorf("群发任务 %s 中断: %v", job.ID, err)
	}

	report.Status = StatusCompleted
	report.FinishedAt = time.Now()
	d.saveReport(ctx, report)

	log.Printf("群发任务 %s 完成。成功: %d, 失败: %d, 总计: %d",
		job.ID, report.Sent, report.Failed, report.Total)
	return report, nil
}

// resolveBuilder 按任务类型解析消息构造器
func (d *Dispatcher) resolveBuilder(ctx context.Context, job Job) (MessageBuilder, error) {
	switch job.Kind {
	case JobBroadcast:
		if job.Text == "" {
			return nil, fmt.Errorf("群发任务缺少消息文本")
		}
		return func(models.BotUser) transport.Message {
			return transport.Message{Text: job.Text}
		}, nil

	case JobPollAnnouncement:
		// 投票在入队后被删除属于致命错误: 没有可通告的内容
		tally, err := d.polls.GetTally(ctx, job.PollID)
		if err != nil {
			return nil, fmt.Errorf("投票 %d 不可用: %v", job.PollID, err)
		}
		msg := transport.Message{
			Text: fmt.Sprintf("📢 新投票上线！\n\n《%s》\n\n快来参与，你的意见很重要！", tally.Title),
			Button: &transport.InlineButton{
				Text:         "🙋 参与投票",
				CallbackData: fmt.Sprintf("poll_%d", job.PollID),
			},
		}
		return func(models.BotUser) transport.Message {
			return msg
		}, nil

	default:
		return nil, fmt.Errorf("未知的群发任务类型: %q", job.Kind)
	}
}

// saveReport 保存报告，存储失败只记录日志
func (d *Dispatcher) saveReport(ctx context.Context, report Report) {
	if err := d.reports.Save(ctx, report); err != nil {
		log.Printf("保存群发报告失败: job=%s, err=%v", report.JobID, err)
	}
}
