package migrations

import (
	"log"

	"gorm.io/gorm"
)

// RecountVotes 按事实表重算所有选项的冗余计数
// 计数是投票记录的派生值，历史故障或手工改库可能让两者漂移；
// 启动时跑一次，把计数拉回与事实一致
func RecountVotes(db *gorm.DB) error {
	log.Println("执行迁移: 按投票记录重算选项计数")

	result := db.Exec(`
		UPDATE poll_options
		SET votes_count = (
			SELECT COUNT(*) FROM votes WHERE votes.option_id = poll_options.id
		)`)
	if result.Error != nil {
		log.Printf("迁移失败: %v", result.Error)
		return result.Error
	}

	log.Printf("迁移成功: 已重算 %d 个选项的计数", result.RowsAffected)
	return nil
}
