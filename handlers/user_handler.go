package handlers

import (
	"net/http"
	"strconv"

	"pollbot-backend/models"

	"github.com/gin-gonic/gin"
)

// RegisterUserInput defines the input for registering a recipient
type RegisterUserInput struct {
	UserTGID  int64  `json:"user_tg_id" binding:"required"`
	Username  string `json:"username"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

// RegisterUser registers a recipient in the directory.
// Registration is idempotent: a known id returns the existing record untouched.
func RegisterUser(c *gin.Context) {
	var input RegisterUserInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	user, err := recipients.Register(c.Request.Context(), models.BotUser{
		UserTGID:  input.UserTGID,
		Username:  input.Username,
		FirstName: input.FirstName,
		LastName:  input.LastName,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "注册接收者失败"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"user_tg_id":        user.UserTGID,
		"full_name":         user.FullName(),
		"registration_date": user.RegistrationDate,
	})
}

// GetUserProfile returns a recipient's registration info and the polls
// they have participated in.
func GetUserProfile(c *gin.Context) {
	idStr := c.Param("id")
	userTGID, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "无效的用户ID格式"})
		return
	}

	polls, err := recipients.CompletedPolls(c.Request.Context(), userTGID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "获取用户参与记录失败"})
		return
	}

	type completedPoll struct {
		ID       uint   `json:"id"`
		Title    string `json:"title"`
		IsActive bool   `json:"is_active"`
	}
	completed := make([]completedPoll, len(polls))
	for i, poll := range polls {
		completed[i] = completedPoll{ID: poll.ID, Title: poll.Title, IsActive: poll.IsActive}
	}

	c.JSON(http.StatusOK, gin.H{
		"user_tg_id":      userTGID,
		"completed_polls": completed,
	})
}

// GetRecipientCount returns the size of the dispatch directory (admin only)
func GetRecipientCount(c *gin.Context) {
	count, err := recipients.Count(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "获取接收者数量失败"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": count})
}
