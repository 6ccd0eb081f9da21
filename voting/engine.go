package voting

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"pollbot-backend/cache"
	"pollbot-backend/models"

	"gorm.io/gorm"
)

const (
	// voteLockExpiry 单次投票临界区的锁超时时间
	voteLockExpiry = 5 * time.Second

	// maxCastRetries 写冲突时的最大重试次数
	maxCastRetries = 3
)

// OptionCount 单个选项的计票结果
type OptionCount struct {
	OptionID   uint   `json:"option_id"`
	OptionText string `json:"option_text"`
	VotesCount int64  `json:"votes_count"`
}

// Tally 某个投票的计票快照
// TotalVotes 永远由各选项求和得到，不单独落库，避免第二个漂移源
type Tally struct {
	PollID     uint          `json:"poll_id"`
	Title      string        `json:"title"`
	IsActive   bool          `json:"is_active"`
	Options    []OptionCount `json:"options"`
	TotalVotes int64         `json:"total_votes"`
}

// VoterRecord 单条投票明细，用于网页报表的按人展示
type VoterRecord struct {
	UserTGID   int64  `json:"user_tg_id"`
	Username   string `json:"username,omitempty"`
	FirstName  string `json:"first_name,omitempty"`
	LastName   string `json:"last_name,omitempty"`
	OptionID   uint   `json:"option_id"`
	OptionText string `json:"option_text"`
}

// Engine 投票引擎，负责投票的创建、计票和一致性维护
type Engine struct {
	db      *gorm.DB
	locks   Locker
	tallies *cache.TallyCache
}

// NewEngine 创建投票引擎
// tallies 可以为 NewTallyCache(nil)，此时所有读取直接回源数据库
func NewEngine(db *gorm.DB, locks Locker, tallies *cache.TallyCache) *Engine {
	return &Engine{
		db:      db,
		locks:   locks,
		tallies: tallies,
	}
}

// CreatePoll 创建新投票及其选项，整体在一个事务内完成
// 至少需要2个去重后非空的选项，否则返回 ErrInvalidPoll
func (e *Engine) CreatePoll(ctx context.Context, title string, options []string) (uint, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return 0, ErrInvalidPoll
	}

	// 清洗并去重选项，保持原始顺序
	seen := make(map[string]bool)
	cleaned := make([]string, 0, len(options))
	for _, opt := range options {
		opt = strings.TrimSpace(opt)
		if opt == "" || seen[opt] {
			continue
		}
		seen[opt] = true
		cleaned = append(cleaned, opt)
	}

	if len(cleaned) < 2 {
		return 0, ErrInvalidPoll
	}

	poll := models.Poll{
		Title:    title,
		IsActive: true,
	}

	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// 1. 创建投票
		if err := tx.Create(&poll).Error; err != nil {
			return err
		}

		// 2. 按顺序创建选项，选项顺序 = ID升序
		pollOptions := make([]models.PollOption, len(cleaned))
		for i, text := range cleaned {
			pollOptions[i] = models.PollOption{
				PollID:     poll.ID,
				OptionText: text,
				VotesCount: 0,
			}
		}
		return tx.Create(&pollOptions).Error
	})
	if err != nil {
		return 0, fmt.Errorf("创建投票失败: %w", err)
	}

	log.Printf("投票创建成功: ID=%d, Title=%q, 选项数=%d", poll.ID, poll.Title, len(cleaned))
	return poll.ID, nil
}

// CastVote 记录或更新某个用户在某个投票中的选择，返回最新计票快照
//
// 同一 (投票, 用户) 组合的读改写序列是临界区，通过按键锁串行化；
// 不相关的组合互不阻塞。锁内的所有写操作在同一个事务中提交，
// 保证 Vote 记录和选项计数要么一起更新、要么一起回滚
func (e *Engine) CastVote(ctx context.Context, pollID, optionID uint, userTGID int64) (Tally, error) {
	var tally Tally

	lockName := fmt.Sprintf("vote_lock:%d:%d", pollID, userTGID)
	err := e.locks.WithLock(lockName, voteLockExpiry, func() error {
		return e.withRetry(func() error {
			return e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
				// 1. 校验投票存在且开放
				var poll models.Poll
				if err := tx.First(&poll, pollID).Error; err != nil {
					if errors.Is(err, gorm.ErrRecordNotFound) {
						return ErrPollNotFound
					}
					return err
				}
				if !poll.IsActive {
					return ErrPollClosed
				}

				// 2. 校验选项属于该投票
				var option models.PollOption
				if err := tx.Where("id = ? AND poll_id = ?", optionID, pollID).First(&option).Error; err != nil {
					if errors.Is(err, gorm.ErrRecordNotFound) {
						return ErrOptionNotFound
					}
					return err
				}

				// 3. 查找该用户在此投票中已有的记录
				var vote models.Vote
				err := tx.Where("poll_id = ? AND user_tg_id = ?", pollID, userTGID).First(&vote).Error

				switch {
				case errors.Is(err, gorm.ErrRecordNotFound):
					// 首次投票: 插入记录并增加目标选项计数
					vote = models.Vote{PollID: pollID, UserTGID: userTGID, OptionID: optionID}
					if err := tx.Create(&vote).Error; err != nil {
						return err
					}
					if err := incrementVotesCount(tx, optionID); err != nil {
						return err
					}

				case err != nil:
					return err

				case vote.OptionID == optionID:
					// 重复投同一选项: 幂等，不改任何计数

				default:
					// 改票: 旧选项减一（下限为0），记录指向新选项，新选项加一
					if err := decrementVotesCount(tx, vote.OptionID); err != nil {
						return err
					}
					if err := tx.Model(&vote).UpdateColumn("option_id", optionID).Error; err != nil {
						return err
					}
					if err := incrementVotesCount(tx, optionID); err != nil {
						return err
					}
				}

				// 4. 在同一事务内读出最新计票
				t, err := tallyForPoll(tx, poll)
				if err != nil {
					return err
				}
				tally = t
				return nil
			})
		})
	})
	if err != nil {
		return Tally{}, err
	}

	// 写入成功后刷新计票缓存
	if cacheErr := e.tallies.Set(ctx, pollID, tally); cacheErr != nil && !errors.Is(cacheErr, cache.ErrRedisNotAvailable) {
		log.Printf("刷新计票缓存失败: poll=%d, err=%v", pollID, cacheErr)
	}

	return tally, nil
}

// GetTally 获取某个投票的计票快照，选项按创建顺序排列
func (e *Engine) GetTally(ctx context.Context, pollID uint) (Tally, error) {
	// 优先读缓存
	var cached Tally
	if err := e.tallies.Get(ctx, pollID, &cached); err == nil {
		return cached, nil
	}

	var poll models.Poll
	if err := e.db.WithContext(ctx).First(&poll, pollID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Tally{}, ErrPollNotFound
		}
		return Tally{}, err
	}

	tally, err := tallyForPoll(e.db.WithContext(ctx), poll)
	if err != nil {
		return Tally{}, err
	}

	if cacheErr := e.tallies.Set(ctx, pollID, tally); cacheErr != nil && !errors.Is(cacheErr, cache.ErrRedisNotAvailable) {
		log.Printf("写入计票缓存失败: poll=%d, err=%v", pollID, cacheErr)
	}

	return tally, nil
}

// SetPollActive 切换投票的开放状态（可逆，重复设置同一状态为幂等成功）
func (e *Engine) SetPollActive(ctx context.Context, pollID uint, active bool) error {
	// 存在性用查询判断: MySQL 对同值更新返回0受影响行，不能据此认定投票不存在
	var poll models.Poll
	if err := e.db.WithContext(ctx).First(&poll, pollID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrPollNotFound
		}
		return err
	}

	if err := e.db.WithContext(ctx).Model(&poll).UpdateColumn("is_active", active).Error; err != nil {
		return err
	}

	e.tallies.Invalidate(ctx, pollID)
	log.Printf("投票 %d 状态已更新: active=%v", pollID, active)
	return nil
}

// DeletePoll 删除投票并级联清理所有派生状态（选项和投票记录）
// 级联在删除事务内显式执行，不依赖数据库隐式行为
func (e *Engine) DeletePoll(ctx context.Context, pollID uint) error {
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var poll models.Poll
		if err := tx.First(&poll, pollID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrPollNotFound
			}
			return err
		}

		// 先删事实记录，再删选项，最后删投票本身
		if err := tx.Where("poll_id = ?", pollID).Delete(&models.Vote{}).Error; err != nil {
			return err
		}
		if err := tx.Where("poll_id = ?", pollID).Delete(&models.PollOption{}).Error; err != nil {
			return err
		}
		return tx.Delete(&poll).Error
	})
	if err != nil {
		return err
	}

	e.tallies.Invalidate(ctx, pollID)
	log.Printf("投票 %d 已删除（含级联数据）", pollID)
	return nil
}

// ListPolls 获取投票列表，activeOnly 为 true 时只返回开放中的投票
func (e *Engine) ListPolls(ctx context.Context, activeOnly bool) ([]models.Poll, error) {
	query := e.db.WithContext(ctx).
		Preload("Options", func(db *gorm.DB) *gorm.DB {
			return db.Order("id ASC")
		}).
		Order("created_at DESC")
	if activeOnly {
		query = query.Where("is_active = ?", true)
	}

	var polls []models.Poll
	if err := query.Find(&polls).Error; err != nil {
		return nil, err
	}
	return polls, nil
}

// VoterBreakdown 获取某个投票的按人投票明细（只读，用于报表）
func (e *Engine) VoterBreakdown(ctx context.Context, pollID uint) ([]VoterRecord, error) {
	var count int64
	if err := e.db.WithContext(ctx).Model(&models.Poll{}).Where("id = ?", pollID).Count(&count).Error; err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, ErrPollNotFound
	}

	var records []VoterRecord
	err := e.db.WithContext(ctx).
		Table("votes").
		Select("votes.user_tg_id, bot_users.username, bot_users.first_name, bot_users.last_name, votes.option_id, poll_options.option_text").
		Joins("JOIN bot_users ON bot_users.user_tg_id = votes.user_tg_id").
		Joins("JOIN poll_options ON poll_options.id = votes.option_id").
		Where("votes.poll_id = ?", pollID).
		Order("votes.id ASC").
		Scan(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}

// withRetry 对写冲突做有限次重试，业务错误直接返回
func (e *Engine) withRetry(fn func() error) error {
	var err error
	for attempt := 1; attempt <= maxCastRetries; attempt++ {
		err = fn()
		if err == nil || !isRetryableError(err) {
			return err
		}
		log.Printf("投票写入冲突，第 %d 次重试: %v", attempt, err)
		time.Sleep(time.Duration(attempt) * 10 * time.Millisecond)
	}
	return fmt.Errorf("投票写入冲突重试耗尽: %w", err)
}

// isRetryableError 判断错误是否为可重试的并发冲突
func isRetryableError(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "Duplicate entry") ||
		strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "Deadlock")
}

// incrementVotesCount 原子增加选项计数
func incrementVotesCount(tx *gorm.DB, optionID uint) error {
	return tx.Model(&models.PollOption{}).
		Where("id = ?", optionID).
		UpdateColumn("votes_count", gorm.Expr("votes_count + ?", 1)).Error
}

// decrementVotesCount 原子减少选项计数，下限为0
// 异常回放时也不允许出现负数计票
func decrementVotesCount(tx *gorm.DB, optionID uint) error {
	return tx.Model(&models.PollOption{}).
		Where("id = ?", optionID).
		UpdateColumn("votes_count", gorm.Expr("CASE WHEN votes_count > 0 THEN votes_count - 1 ELSE 0 END")).Error
}

// tallyForPoll 读出某个投票的计票快照，总票数由求和得到
func tallyForPoll(tx *gorm.DB, poll models.Poll) (Tally, error) {
	var options []models.PollOption
	if err := tx.Where("poll_id = ?", poll.ID).Order("id ASC").Find(&options).Error; err != nil {
		return Tally{}, err
	}

	tally := Tally{
		PollID:   poll.ID,
		Title:    poll.Title,
		IsActive: poll.IsActive,
		Options:  make([]OptionCount, len(options)),
	}
	for i, opt := range options {
		tally.Options[i] = OptionCount{
			OptionID:   opt.ID,
			OptionText: opt.OptionText,
			VotesCount: opt.VotesCount,
		}
		tally.TotalVotes += opt.VotesCount
	}
	return tally, nil
}
