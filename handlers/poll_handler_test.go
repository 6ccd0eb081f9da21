package handlers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"pollbot-backend/models"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// performRequest runs a request against the router, optionally with the
// test admin identity.
func performRequest(router *gin.Engine, method, path string, body interface{}, asAdmin bool) *httptest.ResponseRecorder {
	var buf *bytes.Buffer
	if body != nil {
		data, _ := json.Marshal(body)
		buf = bytes.NewBuffer(data)
	} else {
		buf = bytes.NewBuffer(nil)
	}

	req, _ := http.NewRequest(method, path, buf)
	req.Header.Set("Content-Type", "application/json")
	if asAdmin {
		req.Header.Set("X-Admin-ID", fmt.Sprintf("%d", testAdminID))
	}

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func createPollViaAPI(t *testing.T, router *gin.Engine, title string, options ...string) uint {
	t.Helper()

	w := performRequest(router, "POST", "/api/admin/polls", gin.H{
		"title":   title,
		"options": options,
	}, true)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp struct {
		ID uint `json:"id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotZero(t, resp.ID)
	return resp.ID
}

func TestCreatePoll(t *testing.T) {
	router, db, _ := SetupTestEnvironment(t)
	ClearTables(db)

	pollID := createPollViaAPI(t, router, "Unit Test Poll?", "Yes", "No")

	var options []models.PollOption
	require.NoError(t, db.Where("poll_id = ?", pollID).Order("id ASC").Find(&options).Error)
	require.Len(t, options, 2)
	assert.Equal(t, "Yes", options[0].OptionText)
	assert.Equal(t, "No", options[1].OptionText)
	assert.Zero(t, options[0].VotesCount)
}

func TestCreatePoll_RequiresAdmin(t *testing.T) {
	router, db, _ := SetupTestEnvironment(t)
	ClearTables(db)

	body := gin.H{"title": "Q?", "options": []string{"A", "B"}}

	w := performRequest(router, "POST", "/api/admin/polls", body, false)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req, _ := http.NewRequest("POST", "/api/admin/polls", bytes.NewBufferString(`{"title":"Q?","options":["A","B"]}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Admin-ID", "12345") // not in the admin list
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestCreatePoll_InvalidInput(t *testing.T) {
	router, db, _ := SetupTestEnvironment(t)
	ClearTables(db)

	tests := []struct {
		name string
		body gin.H
	}{
		{"missing title", gin.H{"options": []string{"A", "B"}}},
		{"missing options", gin.H{"title": "Q?"}},
		{"single option", gin.H{"title": "Q?", "options": []string{"A"}}},
		{"duplicate options", gin.H{"title": "Q?", "options": []string{"A", "A"}}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			w := performRequest(router, "POST", "/api/admin/polls", tc.body, true)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

func TestSubmitVote_RecordsAndRegisters(t *testing.T) {
	router, db, _ := SetupTestEnvironment(t)
	ClearTables(db)

	pollID := createPollViaAPI(t, router, "Lunch?", "Pizza", "Sushi")

	var options []models.PollOption
	require.NoError(t, db.Where("poll_id = ?", pollID).Order("id ASC").Find(&options).Error)

	w := performRequest(router, "POST", fmt.Sprintf("/api/polls/%d/vote", pollID), gin.H{
		"option_id":  options[0].ID,
		"user_tg_id": 1001,
		"first_name": "Ann",
	}, false)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		CurrentResults struct {
			TotalVotes int64 `json:"total_votes"`
			Options    []struct {
				ID         uint    `json:"id"`
				Votes      int64   `json:"votes"`
				Percentage float64 `json:"percentage"`
			} `json:"options"`
		} `json:"current_results"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, int64(1), resp.CurrentResults.TotalVotes)
	assert.Equal(t, int64(1), resp.CurrentResults.Options[0].Votes)
	assert.Equal(t, 100.0, resp.CurrentResults.Options[0].Percentage)

	// First contact registers the voter as a dispatch recipient
	var user models.BotUser
	require.NoError(t, db.First(&user, "user_tg_id = ?", 1001).Error)
	assert.Equal(t, "Ann", user.FirstName)
}

func TestSubmitVote_RepeatAndSwitch(t *testing.T) {
	router, db, _ := SetupTestEnvironment(t)
	ClearTables(db)

	pollID := createPollViaAPI(t, router, "Lunch?", "Pizza", "Sushi")

	var options []models.PollOption
	require.NoError(t, db.Where("poll_id = ?", pollID).Order("id ASC").Find(&options).Error)

	vote := func(optionID uint) *httptest.ResponseRecorder {
		return performRequest(router, "POST", fmt.Sprintf("/api/polls/%d/vote", pollID), gin.H{
			"option_id":  optionID,
			"user_tg_id": 1001,
		}, false)
	}

	// Same option twice is a no-op
	require.Equal(t, http.StatusOK, vote(options[0].ID).Code)
	require.Equal(t, http.StatusOK, vote(options[0].ID).Code)

	var voteRows int64
	require.NoError(t, db.Model(&models.Vote{}).Where("poll_id = ?", pollID).Count(&voteRows).Error)
	assert.Equal(t, int64(1), voteRows)

	// Switching moves the single vote
	w := vote(options[1].ID)
	require.Equal(t, http.StatusOK, w.Code)

	var updated []models.PollOption
	require.NoError(t, db.Where("poll_id = ?", pollID).Order("id ASC").Find(&updated).Error)
	assert.Equal(t, int64(0), updated[0].VotesCount)
	assert.Equal(t, int64(1), updated[1].VotesCount)
}

func TestSubmitVote_Errors(t *testing.T) {
	router, db, _ := SetupTestEnvironment(t)
	ClearTables(db)

	pollID := createPollViaAPI(t, router, "Lunch?", "Pizza", "Sushi")
	otherPollID := createPollViaAPI(t, router, "Dinner?", "Tacos", "Curry")

	var foreignOption models.PollOption
	require.NoError(t, db.First(&foreignOption, "poll_id = ?", otherPollID).Error)

	t.Run("invalid poll id format", func(t *testing.T) {
		w := performRequest(router, "POST", "/api/polls/abc/vote", gin.H{"option_id": 1, "user_tg_id": 1}, false)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("unknown poll", func(t *testing.T) {
		w := performRequest(router, "POST", "/api/polls/99999/vote", gin.H{"option_id": 1, "user_tg_id": 1}, false)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("option from another poll", func(t *testing.T) {
		w := performRequest(router, "POST", fmt.Sprintf("/api/polls/%d/vote", pollID), gin.H{
			"option_id":  foreignOption.ID,
			"user_tg_id": 1001,
		}, false)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("closed poll", func(t *testing.T) {
		w := performRequest(router, "PUT", fmt.Sprintf("/api/admin/polls/%d/status", pollID), gin.H{"is_active": false}, true)
		require.Equal(t, http.StatusOK, w.Code)

		var option models.PollOption
		require.NoError(t, db.First(&option, "poll_id = ?", pollID).Error)

		w = performRequest(router, "POST", fmt.Sprintf("/api/polls/%d/vote", pollID), gin.H{
			"option_id":  option.ID,
			"user_tg_id": 1001,
		}, false)
		assert.Equal(t, http.StatusForbidden, w.Code)
	})
}

func TestGetPoll_Percentages(t *testing.T) {
	router, db, _ := SetupTestEnvironment(t)
	ClearTables(db)

	pollID := createPollViaAPI(t, router, "Lunch?", "Pizza", "Sushi")

	var options []models.PollOption
	require.NoError(t, db.Where("poll_id = ?", pollID).Order("id ASC").Find(&options).Error)

	for i, userID := range []int64{1, 2, 3} {
		w := performRequest(router, "POST", fmt.Sprintf("/api/polls/%d/vote", pollID), gin.H{
			"option_id":  options[i%2].ID,
			"user_tg_id": userID,
		}, false)
		require.Equal(t, http.StatusOK, w.Code)
	}

	w := performRequest(router, "GET", fmt.Sprintf("/api/polls/%d", pollID), nil, false)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		TotalVotes int64 `json:"total_votes"`
		Options    []struct {
			Votes      int64   `json:"votes"`
			Percentage float64 `json:"percentage"`
		} `json:"options"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, int64(3), resp.TotalVotes)
	assert.InDelta(t, 66.66, resp.Options[0].Percentage, 0.1)
	assert.InDelta(t, 33.33, resp.Options[1].Percentage, 0.1)
}

func TestDeletePoll(t *testing.T) {
	router, db, _ := SetupTestEnvironment(t)
	ClearTables(db)

	pollID := createPollViaAPI(t, router, "Lunch?", "Pizza", "Sushi")

	w := performRequest(router, "DELETE", fmt.Sprintf("/api/admin/polls/%d", pollID), nil, true)
	assert.Equal(t, http.StatusOK, w.Code)

	w = performRequest(router, "GET", fmt.Sprintf("/api/polls/%d", pollID), nil, false)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = performRequest(router, "DELETE", fmt.Sprintf("/api/admin/polls/%d", pollID), nil, true)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetPollVoters(t *testing.T) {
	router, db, _ := SetupTestEnvironment(t)
	ClearTables(db)

	pollID := createPollViaAPI(t, router, "Lunch?", "Pizza", "Sushi")

	var option models.PollOption
	require.NoError(t, db.First(&option, "poll_id = ?", pollID).Error)

	w := performRequest(router, "POST", fmt.Sprintf("/api/polls/%d/vote", pollID), gin.H{
		"option_id":  option.ID,
		"user_tg_id": 1001,
		"username":   "ann",
	}, false)
	require.Equal(t, http.StatusOK, w.Code)

	w = performRequest(router, "GET", fmt.Sprintf("/api/admin/polls/%d/voters", pollID), nil, true)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Count  int `json:"count"`
		Voters []struct {
			UserTGID   int64  `json:"user_tg_id"`
			OptionText string `json:"option_text"`
		} `json:"voters"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, 1, resp.Count)
	assert.Equal(t, int64(1001), resp.Voters[0].UserTGID)
	assert.Equal(t, "Pizza", resp.Voters[0].OptionText)
}

func TestBroadcast_RunsInProcessWithoutQueue(t *testing.T) {
	router, db, tr := SetupTestEnvironment(t)
	ClearTables(db)

	for _, id := range []int64{1001, 1002, 1003} {
		w := performRequest(router, "POST", "/api/users/register", gin.H{"user_tg_id": id}, false)
		require.Equal(t, http.StatusOK, w.Code)
	}

	w := performRequest(router, "POST", "/api/admin/broadcast", gin.H{"text": "hello everyone"}, true)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	var resp struct {
		JobID string `json:"job_id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.JobID)

	// Without a queue the job runs in a background goroutine; poll the
	// report endpoint until it lands.
	assert.Eventually(t, func() bool {
		rec := performRequest(router, "GET", "/api/admin/dispatch/"+resp.JobID+"/report", nil, true)
		return rec.Code == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	rec := performRequest(router, "GET", "/api/admin/dispatch/"+resp.JobID+"/report", nil, true)
	var report struct {
		Status string `json:"status"`
		Sent   int    `json:"sent"`
		Failed int    `json:"failed"`
		Total  int    `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, "completed", report.Status)
	assert.Equal(t, 3, report.Sent)
	assert.Zero(t, report.Failed)
	assert.Equal(t, 3, report.Total)
	assert.Equal(t, 3, tr.sentCount())
}

func TestGetDispatchReport_NotFound(t *testing.T) {
	router, db, _ := SetupTestEnvironment(t)
	ClearTables(db)

	w := performRequest(router, "GET", "/api/admin/dispatch/no-such-job/report", nil, true)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestUserProfile(t *testing.T) {
	router, db, _ := SetupTestEnvironment(t)
	ClearTables(db)

	pollID := createPollViaAPI(t, router, "Lunch?", "Pizza", "Sushi")

	var option models.PollOption
	require.NoError(t, db.First(&option, "poll_id = ?", pollID).Error)

	w := performRequest(router, "POST", fmt.Sprintf("/api/polls/%d/vote", pollID), gin.H{
		"option_id":  option.ID,
		"user_tg_id": 1001,
	}, false)
	require.Equal(t, http.StatusOK, w.Code)

	w = performRequest(router, "GET", "/api/users/1001/profile", nil, false)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		CompletedPolls []struct {
			Title string `json:"title"`
		} `json:"completed_polls"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.CompletedPolls, 1)
	assert.Equal(t, "Lunch?", resp.CompletedPolls[0].Title)
}
