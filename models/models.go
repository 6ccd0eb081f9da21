package models

import (
	"strconv"
	"time"
)

// BotUser 已注册的消息接收者，主键为外部聊天平台的用户ID
// 首次交互时惰性创建，正常流程中不会删除
type BotUser struct {
	UserTGID         int64     `gorm:"primaryKey;autoIncrement:false" json:"user_tg_id"`
	Username         string    `gorm:"size:255" json:"username,omitempty"`
	FirstName        string    `gorm:"size:255" json:"first_name,omitempty"`
	LastName         string    `gorm:"size:255" json:"last_name,omitempty"`
	RegistrationDate time.Time `gorm:"autoCreateTime" json:"registration_date"`

	Votes []Vote `gorm:"foreignKey:UserTGID;constraint:OnDelete:CASCADE" json:"-"`
}

// FullName 返回用户的展示名，优先使用姓名，其次用户名，最后是ID
func (u *BotUser) FullName() string {
	if u.FirstName != "" && u.LastName != "" {
		return u.FirstName + " " + u.LastName
	}
	if u.FirstName != "" {
		return u.FirstName
	}
	if u.Username != "" {
		return u.Username
	}
	return strconv.FormatInt(u.UserTGID, 10)
}

// Poll 投票，拥有有序的选项集合
type Poll struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Title     string    `gorm:"size:255;not null" json:"title"`
	IsActive  bool      `gorm:"default:true" json:"is_active"`
	CreatedAt time.Time `json:"created_at"`

	// 选项顺序 = 创建顺序（按ID升序），展示时保持稳定
	Options []PollOption `gorm:"foreignKey:PollID;constraint:OnDelete:CASCADE" json:"options,omitempty"`
	Votes   []Vote       `gorm:"foreignKey:PollID;constraint:OnDelete:CASCADE" json:"-"`
}

// PollOption 投票选项，VotesCount 是对 Vote 记录数的反范式缓存
// 不变量: votes_count 始终等于引用该选项的 Vote 记录数，且不为负
type PollOption struct {
	ID         uint   `gorm:"primaryKey" json:"id"`
	PollID     uint   `gorm:"not null;index" json:"poll_id"`
	OptionText string `gorm:"type:text;not null" json:"option_text"`
	VotesCount int64  `gorm:"default:0" json:"votes_count"`
}

// Vote 投票事实记录: 某个用户在某个投票中选了某个选项
// 不变量: 每个 (poll_id, user_tg_id) 组合最多一条记录，改票为原地更新
type Vote struct {
	ID       uint  `gorm:"primaryKey" json:"id"`
	PollID   uint  `gorm:"not null;uniqueIndex:idx_poll_user" json:"poll_id"`
	UserTGID int64 `gorm:"not null;uniqueIndex:idx_poll_user;index" json:"user_tg_id"`
	OptionID uint  `gorm:"not null;index" json:"option_id"`
}
