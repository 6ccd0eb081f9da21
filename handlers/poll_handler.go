package handlers

import (
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"pollbot-backend/dispatch"
	"pollbot-backend/models"
	"pollbot-backend/mq"
	"pollbot-backend/voting"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// CreatePollInput defines the expected input structure for creating a poll
type CreatePollInput struct {
	Title    string   `json:"title" binding:"required"`
	Options  []string `json:"options" binding:"required,min=2"`
	Announce bool     `json:"announce"`
}

// OptionWithPercentage 带百分比的选项计票结果
type OptionWithPercentage struct {
	ID         uint    `json:"id"`
	Text       string  `json:"text"`
	Votes      int64   `json:"votes"`
	Percentage float64 `json:"percentage"`
}

// tallyResponse 把计票结果转换为带百分比的响应体
// 总票数永远由选项求和得出
func tallyResponse(tally voting.Tally) gin.H {
	options := make([]OptionWithPercentage, len(tally.Options))
	for i, opt := range tally.Options {
		percentage := 0.0
		if tally.TotalVotes > 0 {
			percentage = float64(opt.VotesCount) / float64(tally.TotalVotes) * 100
		}
		options[i] = OptionWithPercentage{
			ID:         opt.OptionID,
			Text:       opt.OptionText,
			Votes:      opt.VotesCount,
			Percentage: percentage,
		}
	}

	return gin.H{
		"id":          tally.PollID,
		"title":       tally.Title,
		"is_active":   tally.IsActive,
		"options":     options,
		"total_votes": tally.TotalVotes,
	}
}

// CreatePoll handles the creation of a new poll (admin only).
// When announce is set the poll is broadcast to every registered recipient
// through the dispatch queue; the request does not wait for delivery.
func CreatePoll(c *gin.Context) {
	var input CreatePollInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	log.Printf("收到创建投票请求: Title=%s, 选项数=%d", input.Title, len(input.Options))

	pollID, err := engine.CreatePoll(c.Request.Context(), input.Title, input.Options)
	if err != nil {
		if errors.Is(err, voting.ErrInvalidPoll) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "创建投票失败"})
		return
	}

	response := gin.H{"id": pollID, "title": input.Title}

	if input.Announce {
		jobID := uuid.NewString()
		msg := mq.JobMessage{
			JobID:     jobID,
			Kind:      string(dispatch.JobPollAnnouncement),
			PollID:    pollID,
			Timestamp: time.Now().Unix(),
		}
		if err := enqueueDispatchJob(msg); err != nil {
			log.Printf("投票 %d 的通知任务入队失败: %v", pollID, err)
			response["announcement"] = gin.H{"error": "通知任务入队失败"}
		} else {
			response["announcement"] = gin.H{"job_id": jobID}
		}
	}

	c.JSON(http.StatusCreated, response)
}

// GetPolls retrieves a list of all polls
func GetPolls(c *gin.Context) {
	activeOnly := c.Query("active") == "true"

	polls, err := engine.ListPolls(c.Request.Context(), activeOnly)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "获取投票列表失败"})
		return
	}

	type pollSummary struct {
		ID        uint      `json:"id"`
		Title     string    `json:"title"`
		IsActive  bool      `json:"is_active"`
		Options   int       `json:"options"`
		CreatedAt time.Time `json:"created_at"`
	}

	summaries := make([]pollSummary, len(polls))
	for i, poll := range polls {
		summaries[i] = pollSummary{
			ID:        poll.ID,
			Title:     poll.Title,
			IsActive:  poll.IsActive,
			Options:   len(poll.Options),
			CreatedAt: poll.CreatedAt,
		}
	}

	c.JSON(http.StatusOK, summaries)
}

// GetPoll handles retrieving a single poll's tally by ID
func GetPoll(c *gin.Context) {
	pollID, ok := parsePollID(c)
	if !ok {
		return
	}

	tally, err := engine.GetTally(c.Request.Context(), pollID)
	if err != nil {
		if errors.Is(err, voting.ErrPollNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "投票未找到"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "获取投票数据失败"})
		return
	}

	c.JSON(http.StatusOK, tallyResponse(tally))
}

// GetPollVoters returns the per-voter breakdown of a poll (admin only)
func GetPollVoters(c *gin.Context) {
	pollID, ok := parsePollID(c)
	if !ok {
		return
	}

	voters, err := engine.VoterBreakdown(c.Request.Context(), pollID)
	if err != nil {
		if errors.Is(err, voting.ErrPollNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "投票未找到"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "获取投票明细失败"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"poll_id": pollID,
		"voters":  voters,
		"count":   len(voters),
	})
}

// UpdatePollStatusInput defines the input for opening or closing a poll
type UpdatePollStatusInput struct {
	IsActive *bool `json:"is_active" binding:"required"`
}

// UpdatePollStatus opens or closes a poll (admin only)
func UpdatePollStatus(c *gin.Context) {
	pollID, ok := parsePollID(c)
	if !ok {
		return
	}

	var input UpdatePollStatusInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := engine.SetPollActive(c.Request.Context(), pollID, *input.IsActive); err != nil {
		if errors.Is(err, voting.ErrPollNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "投票未找到"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "更新投票状态失败"})
		return
	}

	log.Printf("投票 %d 状态已更新: is_active=%v", pollID, *input.IsActive)
	c.JSON(http.StatusOK, gin.H{"id": pollID, "is_active": *input.IsActive})
}

// DeletePoll handles deleting a poll and its options and votes (admin only)
func DeletePoll(c *gin.Context) {
	pollID, ok := parsePollID(c)
	if !ok {
		return
	}

	if err := engine.DeletePoll(c.Request.Context(), pollID); err != nil {
		if errors.Is(err, voting.ErrPollNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "投票未找到"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "删除投票失败"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "投票已删除"})
}

// VoteInput defines the expected input structure for submitting a vote
type VoteInput struct {
	OptionID  uint   `json:"option_id" binding:"required"`
	UserTGID  int64  `json:"user_tg_id" binding:"required"`
	Username  string `json:"username"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

// SubmitVote handles the submission of a vote on a poll option.
// The voter is registered as a recipient on first contact, then the vote
// is recorded: first vote inserts, same option is a no-op, a different
// option moves the vote.
func SubmitVote(c *gin.Context) {
	pollID, ok := parsePollID(c)
	if !ok {
		return
	}

	var input VoteInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	log.Printf("收到投票: 投票ID=%d, 选项=%d, 用户=%d", pollID, input.OptionID, input.UserTGID)

	// 首次交互即注册，群发名录靠这里增长
	user := models.BotUser{
		UserTGID:  input.UserTGID,
		Username:  input.Username,
		FirstName: input.FirstName,
		LastName:  input.LastName,
	}
	if _, err := recipients.Register(c.Request.Context(), user); err != nil {
		log.Printf("注册接收者 %d 失败: %v", input.UserTGID, err)
		// 注册失败不阻止投票本身
	}

	tally, err := engine.CastVote(c.Request.Context(), pollID, input.OptionID, input.UserTGID)
	if err != nil {
		switch {
		case errors.Is(err, voting.ErrPollNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "投票未找到"})
		case errors.Is(err, voting.ErrPollClosed):
			c.JSON(http.StatusForbidden, gin.H{"error": "此投票已关闭"})
		case errors.Is(err, voting.ErrOptionNotFound):
			c.JSON(http.StatusBadRequest, gin.H{"error": "选项无效或不属于此投票"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "记录投票失败"})
		}
		return
	}

	// 异步广播最新计票给关注此投票的客户端
	go BroadcastTallyUpdate(tally)

	c.JSON(http.StatusOK, gin.H{
		"message":         "投票提交成功",
		"current_results": tallyResponse(tally),
	})
}

// parsePollID 解析路径中的投票ID，失败时写出400响应
func parsePollID(c *gin.Context) (uint, bool) {
	idStr := c.Param("id")
	id, err := strconv.ParseUint(idStr, 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "无效的投票ID格式"})
		return 0, false
	}
	return uint(id), true
}
