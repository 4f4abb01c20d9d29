package event

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/imkarma/ralph/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// recorder collects events delivered to a handler.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) handle(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.EventType()
	}
	return out
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func TestBus_SubscribeAndPublish(t *testing.T) {
	bus := NewBus(zaptest.NewLogger(t))
	defer bus.Close()

	var rec recorder
	id := bus.Subscribe(IterationStarted, rec.handle)
	assert.NotEmpty(t, id)
	assert.Equal(t, 1, bus.SubscriptionCount())

	bus.Publish(NewIterationStartedEvent("001-x", 1, 10))
	bus.Publish(NewIterationOutputEvent("001-x", 1, "ignored"))

	require.Eventually(t, func() bool { return rec.len() == 1 }, time.Second, 5*time.Millisecond)
	got, ok := rec.events[0].(IterationStartedEvent)
	require.True(t, ok)
	assert.Equal(t, "001-x", got.TaskID)
	assert.Equal(t, 10, got.MaxIterations)
}

func TestBus_SubscribeAllPreservesOrder(t *testing.T) {
	bus := NewBus(nil)

	var rec recorder
	bus.SubscribeAll(rec.handle)

	bus.Publish(NewBattleStateEvent(BattleStarted, "001-x", 1, "yolo", store.BattleRunning, ""))
	for i := 0; i < 50; i++ {
		bus.Publish(NewIterationOutputEvent("001-x", 1, "line"))
	}
	bus.Publish(NewBattleStateEvent(BattleCompleted, "001-x", 1, "yolo", store.BattleCompleted, ""))
	bus.Close()

	kinds := rec.kinds()
	require.Len(t, kinds, 52)
	assert.Equal(t, BattleStarted, kinds[0])
	assert.Equal(t, BattleCompleted, kinds[51])
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	var rec recorder
	id := bus.Subscribe(BattlePaused, rec.handle)

	assert.True(t, bus.Unsubscribe(id))
	assert.False(t, bus.Unsubscribe(id), "second unsubscribe is a no-op")
	assert.Equal(t, 0, bus.SubscriptionCount())

	bus.Publish(NewBattleStateEvent(BattlePaused, "001-x", 1, "hitl", store.BattlePaused, ""))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, rec.len())
}

func TestBus_SlowSubscriberDoesNotBlockPublisher(t *testing.T) {
	bus := NewBusWithQueue(zaptest.NewLogger(t), 2)

	release := make(chan struct{})
	bus.SubscribeAll(func(Event) { <-release })

	var fast recorder
	bus.SubscribeAll(fast.handle)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			bus.Publish(NewIterationOutputEvent("001-x", 1, "line"))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}

	assert.Positive(t, bus.Dropped())
	close(release)
	bus.Close()
	assert.Positive(t, fast.len())
}

func TestBus_HandlerPanicIsRecovered(t *testing.T) {
	bus := NewBus(zaptest.NewLogger(t))
	defer bus.Close()

	var rec recorder
	bus.Subscribe(BattleError, func(Event) { panic("boom") })
	bus.Subscribe(BattleError, rec.handle)

	bus.Publish(NewBattleErrorEvent("001-x", 2, errors.New("disk full")))
	bus.Publish(NewBattleErrorEvent("001-x", 3, errors.New("disk full")))

	require.Eventually(t, func() bool { return rec.len() == 2 }, time.Second, 5*time.Millisecond)
}

func TestBus_PublishAfterClose(t *testing.T) {
	bus := NewBus(nil)
	var rec recorder
	bus.SubscribeAll(rec.handle)
	bus.Close()
	bus.Close()

	assert.NotPanics(t, func() {
		bus.Publish(NewProgressUpdatedEvent(store.Progress{TaskID: "001-x"}))
	})
	assert.Equal(t, 0, rec.len())
	assert.Equal(t, 0, bus.SubscriptionCount())
}

func TestPublisherFunc(t *testing.T) {
	var got Event
	p := PublisherFunc(func(e Event) { got = e })
	p.Publish(NewPlanningEvent(PlanningStarted, "s1", "gathering", "idea"))
	require.NotNil(t, got)
	assert.Equal(t, PlanningStarted, got.EventType())

	assert.NotPanics(t, func() { Discard.Publish(got) })
}

func TestMarshal(t *testing.T) {
	data, err := Marshal(NewFeedbackResultEvent("001-x", 2, "test", store.FeedbackResult{Passed: true, Output: "ok"}))
	require.NoError(t, err)

	var env struct {
		ID   string         `json:"id"`
		Type string         `json:"type"`
		Data map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal(data, &env))
	assert.NotEmpty(t, env.ID)
	assert.Equal(t, FeedbackResult, env.Type)
	assert.Equal(t, "001-x", env.Data["taskId"])
	assert.Equal(t, "test", env.Data["loop"])
	assert.Equal(t, float64(2), env.Data["iteration"])
}

func TestPlanningErrorEvent(t *testing.T) {
	e := NewPlanningErrorEvent("s1", "error", errors.New("agent crashed"))
	assert.Equal(t, PlanningError, e.EventType())
	assert.Equal(t, "agent crashed", e.Error)
	assert.False(t, e.Timestamp().IsZero())
}
