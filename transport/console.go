package transport

import (
	"context"
	"log"
)

// ConsoleTransport 把消息打印到日志的传输实现，用于本地开发和联调
// 生产部署时替换为真实的聊天平台客户端
type ConsoleTransport struct{}

// NewConsoleTransport 创建控制台传输
func NewConsoleTransport() *ConsoleTransport {
	return &ConsoleTransport{}
}

// Send 打印消息内容
func (t *ConsoleTransport) Send(ctx context.Context, chatID int64, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if msg.Button != nil {
		log.Printf("[控制台传输] 发送给 %d: %q (按钮: %s -> %s)",
			chatID, msg.Text, msg.Button.Text, msg.Button.CallbackData)
	} else {
		log.Printf("[控制台传输] 发送给 %d: %q", chatID, msg.Text)
	}
	return nil
}

// IsInitialized 控制台传输始终就绪
func (t *ConsoleTransport) IsInitialized() bool {
	return true
}
