package database

import (
	"fmt"
	"log"
	"os"
	"time"

	"pollbot-backend/migrations"
	"pollbot-backend/models"

	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// DB 是全局数据库连接
var DB *gorm.DB

// InitDB 初始化数据库连接
// DB_DRIVER=sqlite 时使用本地SQLite文件，否则使用MySQL
func InitDB() error {
	// 配置GORM
	newLogger := logger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags), // io writer
		logger.Config{
			SlowThreshold:             time.Second, // 慢SQL阈值
			LogLevel:                  logger.Warn, // 日志级别
			IgnoreRecordNotFoundError: true,        // 忽略ErrRecordNotFound错误
			Colorful:                  true,        // 启用彩色打印
		},
	)

	var err error

	if getEnv("DB_DRIVER", "mysql") == "sqlite" {
		dbPath := getEnv("DB_PATH", "pollbot.db")
		log.Printf("使用SQLite数据库: %s", dbPath)
		DB, err = gorm.Open(sqlite.Open(dbPath), &gorm.Config{
			Logger: newLogger,
		})
	} else {
		// 从环境变量获取MySQL数据库配置
		dbUser := getEnv("DB_USER", "pollbot")
		dbPassword := getEnv("DB_PASSWORD", "pollbotpassword")
		dbHost := getEnv("DB_HOST", "mysql")
		dbPort := getEnv("DB_PORT", "3306")
		dbName := getEnv("DB_NAME", "pollbotdb")

		// 构建DSN
		dsn := fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=Local",
			dbUser, dbPassword, dbHost, dbPort, dbName)

		log.Println("使用MySQL数据库")
		DB, err = gorm.Open(mysql.Open(dsn), &gorm.Config{
			Logger: newLogger,
		})
	}

	if err != nil {
		return fmt.Errorf("连接数据库失败: %w", err)
	}

	// 自动迁移模型
	if err := Migrate(DB); err != nil {
		return fmt.Errorf("迁移模型失败: %w", err)
	}

	log.Println("数据库连接和迁移成功")
	return nil
}

// Migrate 迁移所有持久化模型，并修复计数与事实记录的漂移
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&models.BotUser{},
		&models.Poll{},
		&models.PollOption{},
		&models.Vote{},
	); err != nil {
		return err
	}
	return migrations.RecountVotes(db)
}

// CloseDB 关闭数据库连接
func CloseDB() {
	if DB == nil {
		return
	}

	sqlDB, err := DB.DB()
	if err != nil {
		log.Printf("获取数据库连接失败: %v", err)
		return
	}

	if err := sqlDB.Close(); err != nil {
		log.Printf("关闭数据库连接失败: %v", err)
		return
	}

	log.Println("数据库连接已关闭")
}

// getEnv 获取环境变量值或使用默认值
func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}
