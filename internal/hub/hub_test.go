package hub

import (
	"sync"
	"testing"
	"time"

	"github.com/raphaelgruber/runhub/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func event(runID string, typ models.EventType) models.Event {
	return models.Event{Type: typ, Scope: models.KindOptimization, RunID: runID, Timestamp: time.Now()}
}

func TestRoomNames(t *testing.T) {
	assert.Equal(t, "optimization", ScopeRoom(models.KindOptimization))
	assert.Equal(t, "job:DMO_1_abc", JobRoom("DMO_1_abc"))
	assert.Equal(t, "model:DMO", ModelRoom("DMO"))
}

func TestRegisterJoinsDashboard(t *testing.T) {
	h := New(4, nil)
	s := h.Register()
	assert.Equal(t, []string{DashboardRoom}, h.Rooms(s))
	assert.NotEmpty(t, s.ID)
	assert.Equal(t, 1, h.SessionCount())
}

func TestBroadcastDeduplicatesAcrossRooms(t *testing.T) {
	h := New(4, nil)
	s := h.Register()
	h.Join(s, JobRoom("r1"))
	h.Join(s, JobRoom("r1")) // idempotent
	h.Join(s, ModelRoom("DMO"))

	n := h.Broadcast(event("r1", models.EventStarted), DashboardRoom, JobRoom("r1"), ModelRoom("DMO"))
	assert.Equal(t, 1, n)
	require.Len(t, s.Events(), 1)
	got := <-s.Events()
	assert.Equal(t, "r1", got.RunID)
}

func TestBroadcastOnlyReachesMembers(t *testing.T) {
	h := New(4, nil)
	watcher := h.Register()
	h.Join(watcher, JobRoom("r1"))
	bystander := h.Register()
	h.Leave(bystander, DashboardRoom)
	h.Leave(bystander, "never-joined") // no-op

	n := h.Broadcast(event("r1", models.EventLog), JobRoom("r1"))
	assert.Equal(t, 1, n)
	assert.Len(t, watcher.Events(), 1)
	assert.Empty(t, bystander.Events())
	assert.Empty(t, h.Rooms(bystander))
}

func TestBroadcastDropsWhenBufferFull(t *testing.T) {
	h := New(2, nil)
	slow := h.Register()
	fast := h.Register()

	for range 2 {
		h.Broadcast(event("r", models.EventLog), DashboardRoom)
	}
	<-fast.Events()
	<-fast.Events()

	n := h.Broadcast(event("r", models.EventCompleted), DashboardRoom)
	assert.Equal(t, 1, n, "full session is skipped without blocking")
	assert.Len(t, slow.Events(), 2)
	got := <-fast.Events()
	assert.Equal(t, models.EventCompleted, got.Type)
}

func TestUnregisterClosesChannel(t *testing.T) {
	h := New(4, nil)
	s := h.Register()
	h.Join(s, JobRoom("r1"))

	h.Unregister(s)
	h.Unregister(s) // idempotent

	_, open := <-s.Events()
	assert.False(t, open)
	assert.Zero(t, h.SessionCount())
	assert.Zero(t, h.Broadcast(event("r1", models.EventLog), JobRoom("r1"), DashboardRoom))

	h.Join(s, JobRoom("r2"))
	assert.Empty(t, h.Rooms(s), "closed sessions cannot rejoin")
}

func TestConcurrentBroadcastAndUnregister(t *testing.T) {
	h := New(8, nil)
	sessions := make([]*Session, 20)
	for i := range sessions {
		sessions[i] = h.Register()
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for range 200 {
			h.Broadcast(event("r", models.EventLog), DashboardRoom)
		}
	}()
	go func() {
		defer wg.Done()
		for _, s := range sessions {
			h.Unregister(s)
		}
	}()
	wg.Wait()

	assert.Zero(t, h.SessionCount())
}

func TestNewFrame(t *testing.T) {
	ev := models.Event{Type: models.EventFailed, Scope: models.KindScript, RunID: "test_1_x"}
	f := NewFrame(ev)
	assert.Equal(t, "script:failed", f.Event)
	assert.Equal(t, ev, f.Data)
}
