package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// AdminRequired 管理端点的访问中间件
// 调用方通过 X-Admin-ID 头声明身份，ID必须在配置的管理员列表里
func AdminRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		idStr := c.GetHeader("X-Admin-ID")
		if idStr == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "缺少 X-Admin-ID 头"})
			c.Abort()
			return
		}

		adminID, err := strconv.ParseInt(idStr, 10, 64)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "无效的管理员ID格式"})
			c.Abort()
			return
		}

		if cfg == nil || !cfg.IsAdmin(adminID) {
			c.JSON(http.StatusForbidden, gin.H{"error": "没有管理员权限"})
			c.Abort()
			return
		}

		c.Set("admin_id", adminID)
		c.Next()
	}
}
