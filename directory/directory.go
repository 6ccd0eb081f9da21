package directory

import (
	"context"
	"errors"
	"log"

	"pollbot-backend/models"

	"gorm.io/gorm"
)

// Directory 接收者名录，首次交互时追加注册，正常流程不删除
type Directory struct {
	db *gorm.DB
}

// NewDirectory 创建接收者名录
func NewDirectory(db *gorm.DB) *Directory {
	return &Directory{db: db}
}

// Register 按外部ID幂等注册接收者
// 未见过的ID插入并记录注册时间；已注册的不做任何修改
func (d *Directory) Register(ctx context.Context, user models.BotUser) (models.BotUser, error) {
	var existing models.BotUser
	err := d.db.WithContext(ctx).First(&existing, "user_tg_id = ?", user.UserTGID).Error
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return models.BotUser{}, err
	}

	if err := d.db.WithContext(ctx).Create(&user).Error; err != nil {
		// 并发注册同一用户时其中一方会撞唯一键，读回已有记录即可
		var raced models.BotUser
		if readErr := d.db.WithContext(ctx).First(&raced, "user_tg_id = ?", user.UserTGID).Error; readErr == nil {
			return raced, nil
		}
		return models.BotUser{}, err
	}

	log.Printf("新接收者已注册: %d (%s)", user.UserTGID, user.FullName())
	return user, nil
}

// List 返回全部已注册接收者
func (d *Directory) List(ctx context.Context) ([]models.BotUser, error) {
	var users []models.BotUser
	if err := d.db.WithContext(ctx).Order("user_tg_id ASC").Find(&users).Error; err != nil {
		return nil, err
	}
	return users, nil
}

// ForEach 分批遍历名录，避免超大名录一次性载入内存
// fn 返回错误时终止遍历并透传该错误
func (d *Directory) ForEach(ctx context.Context, batchSize int, fn func(models.BotUser) error) error {
	if batchSize <= 0 {
		batchSize = 500
	}

	var batch []models.BotUser
	result := d.db.WithContext(ctx).Order("user_tg_id ASC").
		FindInBatches(&batch, batchSize, func(tx *gorm.DB, _ int) error {
			for _, user := range batch {
				if err := fn(user); err != nil {
					return err
				}
			}
			return nil
		})
	return result.Error
}

// Count 返回已注册接收者总数
func (d *Directory) Count(ctx context.Context) (int64, error) {
	var count int64
	err := d.db.WithContext(ctx).Model(&models.BotUser{}).Count(&count).Error
	return count, err
}

// CompletedPolls 返回某个用户参与过的投票，按创建时间倒序
func (d *Directory) CompletedPolls(ctx context.Context, userTGID int64) ([]models.Poll, error) {
	var polls []models.Poll
	err := d.db.WithContext(ctx).
		Joins("JOIN votes ON votes.poll_id = polls.id").
		Where("votes.user_tg_id = ?", userTGID).
		Distinct().
		Order("polls.created_at DESC").
		Find(&polls).Error
	if err != nil {
		return nil, err
	}
	return polls, nil
}
