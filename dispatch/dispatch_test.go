package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"pollbot-backend/models"
	"pollbot-backend/transport"
	"pollbot-backend/voting"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubRecipients serves a fixed list of recipients.
type stubRecipients struct {
	users []models.BotUser
}

func (s *stubRecipients) ForEach(ctx context.Context, batchSize int, fn func(models.BotUser) error) error {
	for _, user := range s.users {
		if err := fn(user); err != nil {
			return err
		}
	}
	return nil
}

// stubTransport records sends and fails for configured recipients.
type stubTransport struct {
	mu          sync.Mutex
	initialized bool
	failFor     map[int64]error
	sent        []int64
	messages    []transport.Message
}

func newStubTransport() *stubTransport {
	return &stubTransport{initialized: true, failFor: make(map[int64]error)}
}

func (s *stubTransport) Send(ctx context.Context, chatID int64, msg transport.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err, ok := s.failFor[chatID]; ok {
		return err
	}
	s.sent = append(s.sent, chatID)
	s.messages = append(s.messages, msg)
	return nil
}

func (s *stubTransport) IsInitialized() bool {
	return s.initialized
}

func (s *stubTransport) sentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

// stubPolls serves canned tallies for announcement jobs.
type stubPolls struct {
	tallies map[uint]voting.Tally
}

func (s *stubPolls) GetTally(ctx context.Context, pollID uint) (voting.Tally, error) {
	tally, ok := s.tallies[pollID]
	if !ok {
		return voting.Tally{}, voting.ErrPollNotFound
	}
	return tally, nil
}

func makeRecipients(n int) []models.BotUser {
	users := make([]models.BotUser, n)
	for i := range users {
		users[i] = models.BotUser{UserTGID: int64(1000 + i)}
	}
	return users
}

func newTestDispatcher(users []models.BotUser, tr transport.Transport) *Dispatcher {
	polls := &stubPolls{tallies: map[uint]voting.Tally{
		42: {PollID: 42, Title: "Lunch?", IsActive: true},
	}}
	return NewDispatcher(&stubRecipients{users: users}, tr, polls, 0, nil)
}

func TestRunJob_PartialFailureIsIsolated(t *testing.T) {
	tr := newStubTransport()
	tr.failFor[1002] = transport.ErrRecipientBlocked

	d := newTestDispatcher(makeRecipients(5), tr)
	report, err := d.RunJob(context.Background(), Job{ID: "job-1", Kind: JobBroadcast, Text: "hello"})
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, report.Status)
	assert.Equal(t, 4, report.Sent)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 5, report.Total)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, int64(1002), report.Failures[0].UserTGID)
	assert.True(t, report.Failures[0].Permanent)

	// The failing recipient must not stop delivery to the ones after it
	assert.Equal(t, []int64{1000, 1001, 1003, 1004}, tr.sent)
}

func TestRunJob_TransientFailureCounted(t *testing.T) {
	tr := newStubTransport()
	tr.failFor[1001] = errors.New("connection reset")

	d := newTestDispatcher(makeRecipients(3), tr)
	report, err := d.RunJob(context.Background(), Job{ID: "job-2", Kind: JobBroadcast, Text: "hello"})
	require.NoError(t, err)

	assert.Equal(t, 2, report.Sent)
	assert.Equal(t, 1, report.Failed)
	require.Len(t, report.Failures, 1)
	assert.False(t, report.Failures[0].Permanent)
}

func TestRunJob_EmptyDirectory(t *testing.T) {
	tr := newStubTransport()
	d := newTestDispatcher(nil, tr)

	report, err := d.RunJob(context.Background(), Job{ID: "job-3", Kind: JobBroadcast, Text: "hello"})
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, report.Status)
	assert.Zero(t, report.Sent)
	assert.Zero(t, report.Failed)
	assert.Zero(t, report.Total)
}

func TestRunJob_TransportNotInitialized(t *testing.T) {
	tr := newStubTransport()
	tr.initialized = false

	d := newTestDispatcher(makeRecipients(3), tr)
	report, err := d.RunJob(context.Background(), Job{ID: "job-4", Kind: JobBroadcast, Text: "hello"})

	assert.ErrorIs(t, err, transport.ErrNotInitialized)
	assert.Equal(t, StatusNotStarted, report.Status)
	assert.Zero(t, report.Total)
	assert.Zero(t, tr.sentCount(), "no delivery may be attempted")

	// The aborted run still leaves a report behind for diagnostics
	saved, found, storeErr := d.Reports().Get(context.Background(), "job-4")
	require.NoError(t, storeErr)
	require.True(t, found)
	assert.Equal(t, StatusNotStarted, saved.Status)
}

func TestRunJob_BroadcastRequiresText(t *testing.T) {
	tr := newStubTransport()
	d := newTestDispatcher(makeRecipients(2), tr)

	report, err := d.RunJob(context.Background(), Job{ID: "job-5", Kind: JobBroadcast})
	assert.Error(t, err)
	assert.Equal(t, StatusNotStarted, report.Status)
	assert.Zero(t, tr.sentCount())
}

func TestRunJob_AnnouncementForMissingPollIsFatal(t *testing.T) {
	tr := newStubTransport()
	d := newTestDispatcher(makeRecipients(2), tr)

	report, err := d.RunJob(context.Background(), Job{ID: "job-6", Kind: JobPollAnnouncement, PollID: 777})
	assert.Error(t, err)
	assert.Equal(t, StatusNotStarted, report.Status)
	assert.Zero(t, tr.sentCount())
}

func TestRunJob_AnnouncementCarriesPollButton(t *testing.T) {
	tr := newStubTransport()
	d := newTestDispatcher(makeRecipients(2), tr)

	report, err := d.RunJob(context.Background(), Job{ID: "job-7", Kind: JobPollAnnouncement, PollID: 42})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Sent)

	require.Len(t, tr.messages, 2)
	for _, msg := range tr.messages {
		assert.Contains(t, msg.Text, "Lunch?")
		require.NotNil(t, msg.Button)
		assert.Equal(t, fmt.Sprintf("poll_%d", 42), msg.Button.CallbackData)
	}
}

func TestRunJob_UnknownKind(t *testing.T) {
	tr := newStubTransport()
	d := newTestDispatcher(makeRecipients(1), tr)

	_, err := d.RunJob(context.Background(), Job{ID: "job-8", Kind: JobKind("mystery")})
	assert.Error(t, err)
}

func TestRunJob_CancellationStopsTraversal(t *testing.T) {
	tr := newStubTransport()
	ctx, cancel := context.WithCancel(context.Background())

	// Cancel after the second delivery
	users := makeRecipients(10)
	recipients := &cancellingRecipients{users: users, cancelAfter: 2, cancel: cancel}
	polls := &stubPolls{tallies: map[uint]voting.Tally{}}
	d := NewDispatcher(recipients, tr, polls, 0, nil)

	report, err := d.RunJob(ctx, Job{ID: "job-9", Kind: JobBroadcast, Text: "hello"})
	assert.Error(t, err)
	assert.Less(t, report.Total, len(users))

	// Partial counts are preserved in the stored report
	saved, found, storeErr := d.Reports().Get(context.Background(), "job-9")
	require.NoError(t, storeErr)
	require.True(t, found)
	assert.Equal(t, report.Sent, saved.Sent)
}

// cancellingRecipients cancels the context after a number of deliveries.
type cancellingRecipients struct {
	users       []models.BotUser
	cancelAfter int
	cancel      context.CancelFunc
}

func (c *cancellingRecipients) ForEach(ctx context.Context, batchSize int, fn func(models.BotUser) error) error {
	for i, user := range c.users {
		if i == c.cancelAfter {
			c.cancel()
		}
		if err := fn(user); err != nil {
			return err
		}
	}
	return nil
}

func TestRunJob_PacingSpacesDeliveries(t *testing.T) {
	tr := newStubTransport()
	polls := &stubPolls{tallies: map[uint]voting.Tally{}}
	d := NewDispatcher(&stubRecipients{users: makeRecipients(4)}, tr, polls, 20*time.Millisecond, nil)

	start := time.Now()
	report, err := d.RunJob(context.Background(), Job{ID: "job-10", Kind: JobBroadcast, Text: "hello"})
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Equal(t, 4, report.Sent)
	// First delivery is immediate, the remaining three wait one interval each
	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
}

func TestMemoryReportStore(t *testing.T) {
	store := NewMemoryReportStore()
	ctx := context.Background()

	_, found, err := store.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, found)

	report := Report{JobID: "job-11", Kind: JobBroadcast, Status: StatusCompleted, Sent: 3, Total: 3}
	require.NoError(t, store.Save(ctx, report))

	saved, found, err := store.Get(ctx, "job-11")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, report.Sent, saved.Sent)
	assert.Equal(t, StatusCompleted, saved.Status)
}
