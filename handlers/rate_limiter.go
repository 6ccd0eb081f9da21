package handlers

import (
	"log"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// 限流器配置与按IP的令牌桶
var (
	rateLimitEnabled bool
	perIPRate        = 10
	perIPBurst       = 20

	ipLimiters   = make(map[string]*rate.Limiter)
	ipLastSeen   = make(map[string]time.Time)
	ipLimiterMu  sync.Mutex
	cleanupEvery = 10 * time.Minute
)

// InitRateLimiters 从环境变量初始化限流配置
func InitRateLimiters() {
	if os.Getenv("ENABLE_RATE_LIMIT") == "true" {
		rateLimitEnabled = true
	}

	if rateStr := os.Getenv("USER_RATE_LIMIT"); rateStr != "" {
		if r, err := strconv.Atoi(rateStr); err == nil && r > 0 {
			perIPRate = r
			perIPBurst = r * 2
		}
	}

	if rateLimitEnabled {
		go cleanupLimiters()
		log.Printf("限流器已初始化: 每IP %d请求/秒, 突发 %d", perIPRate, perIPBurst)
	}
}

// limiterForIP 返回该IP的令牌桶，没有则创建
func limiterForIP(ip string) *rate.Limiter {
	ipLimiterMu.Lock()
	defer ipLimiterMu.Unlock()

	limiter, ok := ipLimiters[ip]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(perIPRate), perIPBurst)
		ipLimiters[ip] = limiter
	}
	ipLastSeen[ip] = time.Now()
	return limiter
}

// cleanupLimiters 定期清理长时间未出现的IP，防止映射无限增长
func cleanupLimiters() {
	ticker := time.NewTicker(cleanupEvery)
	defer ticker.Stop()

	for range ticker.C {
		cutoff := time.Now().Add(-cleanupEvery)
		ipLimiterMu.Lock()
		for ip, seen := range ipLastSeen {
			if seen.Before(cutoff) {
				delete(ipLimiters, ip)
				delete(ipLastSeen, ip)
			}
		}
		ipLimiterMu.Unlock()
	}
}

// RateLimitMiddleware 按客户端IP限流的中间件
func RateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !rateLimitEnabled {
			c.Next()
			return
		}

		if !limiterForIP(c.ClientIP()).Allow() {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error": "请求频率过高，请稍后再试",
			})
			c.Abort()
			return
		}

		c.Next()
	}
}
