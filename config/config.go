package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config 进程级配置，启动时一次性加载，之后只读
type Config struct {
	// AdminIDs 管理员的外部聊天ID列表
	AdminIDs []int64

	// BroadcastPace 群发消息之间的最小间隔
	BroadcastPace time.Duration

	// ServerPort HTTP服务端口
	ServerPort string
}

// Load 从环境变量加载配置
// 管理员ID从 ADMIN_IDS 读取（逗号分隔），格式错误的条目跳过并告警
func Load() *Config {
	cfg := &Config{
		BroadcastPace: loadBroadcastPace(),
		ServerPort:    getEnv("SERVER_PORT", "8090"),
	}

	adminIDsStr := os.Getenv("ADMIN_IDS")
	for _, part := range strings.Split(adminIDsStr, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			log.Printf("警告: ADMIN_IDS 中的条目 %q 不是有效ID，已跳过", part)
			continue
		}
		cfg.AdminIDs = append(cfg.AdminIDs, id)
	}

	if len(cfg.AdminIDs) == 0 {
		log.Println("警告: 管理员ID列表为空，管理操作将对所有人不可用")
	} else {
		log.Printf("成功加载管理员ID列表: %v", cfg.AdminIDs)
	}

	return cfg
}

// IsAdmin 检查用户ID是否为管理员
func (c *Config) IsAdmin(userID int64) bool {
	for _, id := range c.AdminIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// loadBroadcastPace 读取群发间隔配置，默认100毫秒
func loadBroadcastPace() time.Duration {
	paceStr := getEnv("BROADCAST_PACE_MS", "100")
	paceMs, err := strconv.Atoi(paceStr)
	if err != nil || paceMs < 0 {
		log.Printf("警告: BROADCAST_PACE_MS 配置无效 (%q)，使用默认值100ms", paceStr)
		paceMs = 100
	}
	return time.Duration(paceMs) * time.Millisecond
}

// getEnv 获取环境变量值或使用默认值
func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}
