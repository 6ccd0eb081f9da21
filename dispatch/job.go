package dispatch

// JobKind 群发任务类型
type JobKind string

const (
	// JobPollAnnouncement 新投票上线通知，消息带参与按钮
	JobPollAnnouncement JobKind = "poll_announcement"

	// JobBroadcast 管理员发起的统一文本群发
	JobBroadcast JobKind = "broadcast"
)

// Job 一次群发任务的描述
// 由触发请求入队，消费端在后台执行，调用方不等待完成
type Job struct {
	ID     string  `json:"id"`
	Kind   JobKind `json:"kind"`
	PollID uint    `json:"poll_id,omitempty"`
	Text   string  `json:"text,omitempty"`
}
