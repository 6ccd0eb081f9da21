package handlers

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"pollbot-backend/dispatch"
	"pollbot-backend/mq"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// BroadcastInput defines the input for an admin broadcast
type BroadcastInput struct {
	Text string `json:"text" binding:"required"`
}

// CreateBroadcast queues a text broadcast to every registered recipient
// (admin only). Returns 202 with the job id immediately; delivery runs in
// the background and the outcome is available via the report endpoint.
func CreateBroadcast(c *gin.Context) {
	var input BroadcastInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	jobID := uuid.NewString()
	msg := mq.JobMessage{
		JobID:     jobID,
		Kind:      string(dispatch.JobBroadcast),
		Text:      input.Text,
		Timestamp: time.Now().Unix(),
	}

	if err := enqueueDispatchJob(msg); err != nil {
		log.Printf("群发任务入队失败: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "群发任务入队失败"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"job_id":  jobID,
		"message": "群发任务已入队",
	})
}

// GetDispatchReport returns the outcome report of a dispatch job (admin only)
func GetDispatchReport(c *gin.Context) {
	jobID := c.Param("job_id")
	if jobID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "缺少任务ID"})
		return
	}

	report, found, err := dispatcher.Reports().Get(c.Request.Context(), jobID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "读取群发报告失败"})
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "报告未找到，任务可能尚未执行"})
		return
	}

	c.JSON(http.StatusOK, report)
}

// GetQueueStats returns dispatch queue depths for diagnostics (admin only)
func GetQueueStats(c *gin.Context) {
	if mqAdapter == nil || !mqAdapter.IsInitialized() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "消息队列未初始化"})
		return
	}

	stats, err := mqAdapter.GetQueueStats()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "获取队列状态失败"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"type":  mqAdapter.Type(),
		"stats": stats,
	})
}

// RetryDeadLetters requeues dead-lettered dispatch jobs (admin only)
func RetryDeadLetters(c *gin.Context) {
	if mqAdapter == nil || !mqAdapter.IsInitialized() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "消息队列未初始化"})
		return
	}

	requeued, err := mqAdapter.RetryDeadLetters()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	log.Printf("死信重试: 重新入队 %d 个任务", requeued)
	c.JSON(http.StatusOK, gin.H{"requeued": requeued})
}

// enqueueDispatchJob 把群发任务交给消息队列
// 队列不可用时降级为进程内直接执行，触发请求同样不等待
func enqueueDispatchJob(msg mq.JobMessage) error {
	if mqAdapter != nil && mqAdapter.IsInitialized() {
		return mqAdapter.EnqueueJob(msg)
	}

	if dispatcher == nil {
		return fmt.Errorf("消息队列与群发引擎都不可用")
	}

	log.Printf("消息队列不可用，任务 %s 改为进程内执行", msg.JobID)
	go func() {
		job := dispatch.Job{
			ID:     msg.JobID,
			Kind:   dispatch.JobKind(msg.Kind),
			PollID: msg.PollID,
			Text:   msg.Text,
		}
		if _, err := dispatcher.RunJob(context.Background(), job); err != nil {
			log.Printf("进程内群发任务 %s 失败: %v", msg.JobID, err)
		}
	}()
	return nil
}
