package routes

import (
	"log"
	"net/http"
	"time"

	"pollbot-backend/handlers"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// Server 是HTTP服务器的封装
type Server struct {
	*http.Server
}

// SetupRouter 设置和配置Gin路由
func SetupRouter() *gin.Engine {
	router := gin.Default()

	// 配置CORS中间件
	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"}, // 生产环境中应限制为前端域名
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Admin-ID"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	// 初始化限流器
	handlers.InitRateLimiters()

	api := router.Group("/api")
	{
		api.Use(handlers.RateLimitMiddleware())

		// 健康检查端点
		api.GET("/health", handlers.HealthCheck)
		api.GET("/status", handlers.SystemStatus)

		// 投票端点
		polls := api.Group("/polls")
		{
			polls.GET("", handlers.GetPolls)
			polls.GET("/:id", handlers.GetPoll)
			polls.POST("/:id/vote", handlers.SubmitVote)

			// 实时计票订阅
			polls.GET("/:id/ws", handlers.HandleWebSocket)
		}

		// 接收者端点
		users := api.Group("/users")
		{
			users.POST("/register", handlers.RegisterUser)
			users.GET("/:id/profile", handlers.GetUserProfile)
		}

		// 管理员端点
		admin := api.Group("/admin")
		admin.Use(handlers.AdminRequired())
		{
			admin.POST("/polls", handlers.CreatePoll)
			admin.PUT("/polls/:id/status", handlers.UpdatePollStatus)
			admin.DELETE("/polls/:id", handlers.DeletePoll)
			admin.GET("/polls/:id/voters", handlers.GetPollVoters)

			admin.POST("/broadcast", handlers.CreateBroadcast)
			admin.GET("/dispatch/:job_id/report", handlers.GetDispatchReport)
			admin.GET("/dispatch/stats", handlers.GetQueueStats)
			admin.POST("/dispatch/dead_letters/retry", handlers.RetryDeadLetters)
			admin.GET("/users/count", handlers.GetRecipientCount)
		}
	}

	return router
}

// StartServer 启动HTTP服务器，端口来自启动时加载的配置
func StartServer(router *gin.Engine, port string) *Server {
	if port == "" {
		port = "8090" // 默认端口
	}

	addr := ":" + port

	srv := &Server{
		&http.Server{
			Addr:    addr,
			Handler: router,
		},
	}

	go func() {
		log.Printf("服务器启动在 %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("服务器启动失败: %v", err)
		}
	}()

	return srv
}
