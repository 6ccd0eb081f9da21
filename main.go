package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pollbot-backend/cache"
	"pollbot-backend/config"
	"pollbot-backend/database"
	"pollbot-backend/directory"
	"pollbot-backend/dispatch"
	"pollbot-backend/handlers"
	"pollbot-backend/mq"
	"pollbot-backend/routes"
	"pollbot-backend/transport"
	"pollbot-backend/voting"
)

// 全局消息队列适配器
var mqAdapter *mq.Adapter

func main() {
	// 加载配置
	cfg := config.Load()

	// 初始化数据库连接并迁移表结构
	if err := database.InitDB(); err != nil {
		log.Fatalf("无法初始化数据库: %v", err)
	}
	log.Println("数据库连接初始化成功")

	// 初始化Redis连接与分布式锁
	if err := cache.InitRedis(); err != nil {
		log.Printf("警告: Redis初始化失败: %v", err)
	} else {
		log.Println("Redis连接初始化成功")
	}
	cache.InitDistLock()

	// 临界区锁: Redis可用时用分布式锁，否则退化为进程内锁
	var locker voting.Locker
	if lockService := cache.GetLockService(); lockService != nil {
		locker = lockService
	} else {
		log.Println("分布式锁不可用，使用进程内锁")
		locker = voting.NewLocalLocker()
	}

	redisClient, redisErr := cache.GetClient()
	var tallyCache *cache.TallyCache
	if redisErr == nil {
		tallyCache = cache.NewTallyCache(redisClient)
	} else {
		tallyCache = cache.NewTallyCache(nil)
	}

	// 组装核心组件
	engine := voting.NewEngine(database.DB, locker, tallyCache)
	recipients := directory.NewDirectory(database.DB)

	var reports dispatch.ReportStore
	if redisErr == nil {
		reports = dispatch.NewRedisReportStore(redisClient)
	} else {
		reports = dispatch.NewMemoryReportStore()
	}

	tr := transport.NewConsoleTransport()
	dispatcher := dispatch.NewDispatcher(recipients, tr, engine, cfg.BroadcastPace, reports)

	// 初始化消息队列适配器（自动选择RocketMQ或Redis MQ）
	var err error
	mqAdapter, err = mq.NewAdapter()
	if err != nil {
		log.Printf("警告: 消息队列初始化失败，群发任务将进程内执行: %v", err)
		mqAdapter = nil
	} else {
		// 消费端把队列消息还原成群发任务执行
		err = mqAdapter.RegisterHandler(func(msg mq.JobMessage) error {
			job := dispatch.Job{
				ID:     msg.JobID,
				Kind:   dispatch.JobKind(msg.Kind),
				PollID: msg.PollID,
				Text:   msg.Text,
			}
			_, runErr := dispatcher.RunJob(context.Background(), job)
			return runErr
		})
		if err != nil {
			log.Printf("警告: 注册消息处理函数失败: %v", err)
		} else {
			log.Println("消息队列处理函数注册成功")
		}
	}

	// 将依赖传递给处理程序
	handlers.Init(engine, recipients, dispatcher, mqAdapter, cfg)

	// 设置路由并启动服务器
	router := routes.SetupRouter()
	srv := routes.StartServer(router, cfg.ServerPort)
	log.Println("服务器启动成功")

	// 等待中断信号以优雅地关闭服务器
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("关闭服务器...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("服务器强制关闭: %v", err)
	}

	// 关闭数据库和消息队列连接
	if mqAdapter != nil {
		mqAdapter.Close()
	}
	database.CloseDB()
	cache.CloseRedis()

	log.Println("服务器优雅关闭")
}
