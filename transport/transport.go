package transport

import (
	"context"
	"errors"
)

// 投递错误分类
// 永久性错误表示接收者本身不可达（拉黑、注销），重试没有意义
// 其余错误视为瞬时错误，两类都只计入统计，不中断批量发送
var (
	// ErrRecipientBlocked 接收者已拉黑机器人
	ErrRecipientBlocked = errors.New("接收者已拉黑机器人")

	// ErrRecipientNotFound 接收者不存在或会话已失效
	ErrRecipientNotFound = errors.New("接收者不存在")

	// ErrNotInitialized 传输层未初始化（缺少凭证等），整个任务应立即终止
	ErrNotInitialized = errors.New("消息传输层未初始化")
)

// InlineButton 消息附带的操作按钮
type InlineButton struct {
	Text         string `json:"text"`
	CallbackData string `json:"callback_data"`
}

// Message 出站消息内容
type Message struct {
	Text   string        `json:"text"`
	Button *InlineButton `json:"button,omitempty"`
}

// Transport 外部聊天传输层接口
// 实现方负责真实的消息投递（如Telegram Bot API），核心只依赖这个接口
type Transport interface {
	// Send 向单个接收者发送一条消息
	Send(ctx context.Context, chatID int64, msg Message) error

	// IsInitialized 传输层是否就绪，每个群发任务开始前检查一次
	IsInitialized() bool
}

// IsPermanent 判断投递错误是否为永久性接收者失败
func IsPermanent(err error) bool {
	return errors.Is(err, ErrRecipientBlocked) || errors.Is(err, ErrRecipientNotFound)
}
