package handlers

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"pollbot-backend/cache"
	"pollbot-backend/config"
	"pollbot-backend/database"
	"pollbot-backend/directory"
	"pollbot-backend/dispatch"
	"pollbot-backend/models"
	"pollbot-backend/transport"
	"pollbot-backend/voting"

	"github.com/gin-gonic/gin"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const testAdminID = 999

// recordingTransport collects deliveries for assertions.
type recordingTransport struct {
	mu   sync.Mutex
	sent []int64
}

func (r *recordingTransport) Send(ctx context.Context, chatID int64, msg transport.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, chatID)
	return nil
}

func (r *recordingTransport) IsInitialized() bool { return true }

func (r *recordingTransport) sentCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

// SetupTestEnvironment wires the handlers against an in-memory SQLite
// database and an in-process dispatcher, and returns a router with the
// same layout as the production one.
func SetupTestEnvironment(t *testing.T) (*gin.Engine, *gorm.DB, *recordingTransport) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("Failed to connect to in-memory database: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("Failed to access sql.DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := database.Migrate(db); err != nil {
		t.Fatalf("Failed to migrate database: %v", err)
	}
	database.DB = db

	t.Cleanup(func() {
		_ = sqlDB.Close()
	})

	engine := voting.NewEngine(db, voting.NewLocalLocker(), cache.NewTallyCache(nil))
	recipients := directory.NewDirectory(db)
	tr := &recordingTransport{}
	dispatcher := dispatch.NewDispatcher(recipients, tr, engine, 0, nil)
	cfg := &config.Config{AdminIDs: []int64{testAdminID}}

	// No message queue in tests: dispatch jobs run in-process
	Init(engine, recipients, dispatcher, nil, cfg)

	router := gin.New()
	api := router.Group("/api")
	{
		api.GET("/health", HealthCheck)

		polls := api.Group("/polls")
		{
			polls.GET("", GetPolls)
			polls.GET("/:id", GetPoll)
			polls.POST("/:id/vote", SubmitVote)
		}

		users := api.Group("/users")
		{
			users.POST("/register", RegisterUser)
			users.GET("/:id/profile", GetUserProfile)
		}

		admin := api.Group("/admin")
		admin.Use(AdminRequired())
		{
			admin.POST("/polls", CreatePoll)
			admin.PUT("/polls/:id/status", UpdatePollStatus)
			admin.DELETE("/polls/:id", DeletePoll)
			admin.GET("/polls/:id/voters", GetPollVoters)
			admin.POST("/broadcast", CreateBroadcast)
			admin.GET("/dispatch/:job_id/report", GetDispatchReport)
			admin.GET("/users/count", GetRecipientCount)
		}
	}

	return router, db, tr
}

// ClearTables removes all rows between tests.
func ClearTables(db *gorm.DB) {
	// Order matters due to foreign key constraints
	db.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&models.Vote{})
	db.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&models.PollOption{})
	db.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&models.Poll{})
	db.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&models.BotUser{})
}
