package main

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"pollbot-backend/cache"
	"pollbot-backend/directory"
	"pollbot-backend/dispatch"
	"pollbot-backend/models"
	"pollbot-backend/transport"
	"pollbot-backend/voting"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// 手动验证工具: 在内存数据库上冲击投票引擎和群发引擎，
// 检查计票一致性与报告计数
func main() {
	db, err := gorm.Open(sqlite.Open("file:smoke?mode=memory&cache=shared"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		log.Fatalf("打开内存数据库失败: %v", err)
	}
	sqlDB, _ := db.DB()
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&models.BotUser{}, &models.Poll{}, &models.PollOption{}, &models.Vote{}); err != nil {
		log.Fatalf("迁移失败: %v", err)
	}

	engine := voting.NewEngine(db, voting.NewLocalLocker(), cache.NewTallyCache(nil))
	recipients := directory.NewDirectory(db)

	testConcurrentVoting(engine, db)
	testVoteSwitchStorm(engine, db)
	testDispatch(engine, recipients)
}

// 并发投票: N个不同用户同时投票，计数之和必须等于记录数
func testConcurrentVoting(engine *voting.Engine, db *gorm.DB) {
	fmt.Println("=== 测试并发投票 ===")
	ctx := context.Background()

	pollID, err := engine.CreatePoll(ctx, "并发测试投票", []string{"选项A", "选项B", "选项C"})
	if err != nil {
		log.Fatalf("创建投票失败: %v", err)
	}
	tally, _ := engine.GetTally(ctx, pollID)

	const voters = 100
	var wg sync.WaitGroup
	start := time.Now()
	for i := 0; i < voters; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			optionID := tally.Options[n%len(tally.Options)].OptionID
			if _, err := engine.CastVote(ctx, pollID, optionID, int64(10000+n)); err != nil {
				log.Printf("投票失败 user=%d: %v", 10000+n, err)
			}
		}(i)
	}
	wg.Wait()

	verifyConsistency(engine, db, pollID)
	log.Printf("并发投票完成: %d 个用户, 耗时 %v", voters, time.Since(start))
}

// 改票风暴: 同一批用户反复在选项间切换，总票数不得变化
func testVoteSwitchStorm(engine *voting.Engine, db *gorm.DB) {
	fmt.Println("=== 测试改票风暴 ===")
	ctx := context.Background()

	pollID, err := engine.CreatePoll(ctx, "改票测试投票", []string{"甲", "乙"})
	if err != nil {
		log.Fatalf("创建投票失败: %v", err)
	}
	tally, _ := engine.GetTally(ctx, pollID)

	const voters = 10
	const rounds = 20
	var wg sync.WaitGroup
	for i := 0; i < voters; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for r := 0; r < rounds; r++ {
				optionID := tally.Options[(n+r)%2].OptionID
				if _, err := engine.CastVote(ctx, pollID, optionID, int64(20000+n)); err != nil {
					log.Printf("改票失败 user=%d: %v", 20000+n, err)
				}
			}
		}(i)
	}
	wg.Wait()

	final, _ := engine.GetTally(ctx, pollID)
	if final.TotalVotes != voters {
		log.Fatalf("改票后总票数异常: 期望 %d, 实际 %d", voters, final.TotalVotes)
	}
	verifyConsistency(engine, db, pollID)
	log.Printf("改票风暴完成: %d 用户 x %d 轮, 总票数保持 %d", voters, rounds, final.TotalVotes)
}

// 群发: 控制台传输层发给全部已注册接收者，报告计数必须对得上
func testDispatch(engine *voting.Engine, recipients *directory.Directory) {
	fmt.Println("=== 测试群发 ===")
	ctx := context.Background()

	const users = 25
	for i := 0; i < users; i++ {
		if _, err := recipients.Register(ctx, models.BotUser{UserTGID: int64(30000 + i)}); err != nil {
			log.Fatalf("注册接收者失败: %v", err)
		}
	}

	d := dispatch.NewDispatcher(recipients, transport.NewConsoleTransport(), engine, 5*time.Millisecond, nil)
	report, err := d.RunJob(ctx, dispatch.Job{ID: "smoke-job", Kind: dispatch.JobBroadcast, Text: "冒烟测试消息"})
	if err != nil {
		log.Fatalf("群发失败: %v", err)
	}
	if report.Sent != users || report.Total != users || report.Failed != 0 {
		log.Fatalf("群发报告异常: sent=%d failed=%d total=%d", report.Sent, report.Failed, report.Total)
	}
	log.Printf("群发完成: sent=%d failed=%d total=%d", report.Sent, report.Failed, report.Total)
}

// verifyConsistency 校验选项计数之和等于投票记录数
func verifyConsistency(engine *voting.Engine, db *gorm.DB, pollID uint) {
	tally, err := engine.GetTally(context.Background(), pollID)
	if err != nil {
		log.Fatalf("读取计票失败: %v", err)
	}

	var voteRows int64
	if err := db.Model(&models.Vote{}).Where("poll_id = ?", pollID).Count(&voteRows).Error; err != nil {
		log.Fatalf("统计投票记录失败: %v", err)
	}

	if tally.TotalVotes != voteRows {
		log.Fatalf("一致性校验失败: 计数之和=%d, 记录数=%d", tally.TotalVotes, voteRows)
	}
	for _, opt := range tally.Options {
		if opt.VotesCount < 0 {
			log.Fatalf("选项 %d 出现负计数: %d", opt.OptionID, opt.VotesCount)
		}
	}
	log.Printf("一致性校验通过: 计数之和=%d, 记录数=%d", tally.TotalVotes, voteRows)
}
