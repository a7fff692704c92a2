package nandmapper

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type recordingTask struct {
	name     string
	priority TaskPriority
	ran      chan<- string
	vetoKey  string
}

func (t *recordingTask) Run() error {
	t.ran <- t.name
	return nil
}

func (t *recordingTask) ExamineOne(existing DeferredTask) bool {
	other, ok := existing.(*recordingTask)
	if !ok {
		return false
	}

	return t.vetoKey != "" && t.vetoKey == other.vetoKey
}

func (t *recordingTask) Priority() TaskPriority {
	return t.priority
}

func TestDeferredQueueRunsPostedTask(t *testing.T) {
	q := NewDeferredQueue()
	defer q.Close()

	ran := make(chan string, 1)
	ok := q.Post(&recordingTask{name: "a", ran: ran})
	require.True(t, ok)

	select {
	case name := <-ran:
		require.Equal(t, "a", name)
	case <-time.After(time.Second):
		t.Fatal("task did not run in time")
	}
}

func TestDeferredQueueDedup(t *testing.T) {
	q := NewDeferredQueue()
	defer q.Close()

	blocked := make(chan struct{})
	ran := make(chan string, 2)

	// Block the worker on a first task so the second, colliding task is
	// still sitting in the queue when Post runs ExamineOne against it.
	q.Post(&blockingTask{gate: blocked})

	postedFirst := q.Post(&recordingTask{name: "refresh-1", priority: PriorityNormal, ran: ran, vetoKey: "blockA"})
	require.True(t, postedFirst)

	postedSecond := q.Post(&recordingTask{name: "refresh-2", priority: PriorityNormal, ran: ran, vetoKey: "blockA"})
	require.False(t, postedSecond)

	close(blocked)
}

type blockingTask struct {
	gate chan struct{}
}

func (b *blockingTask) Run() error {
	<-b.gate
	return nil
}

func (b *blockingTask) ExamineOne(DeferredTask) bool { return false }
func (b *blockingTask) Priority() TaskPriority        { return PriorityHigh }

func TestDeferredQueuePriorityOrder(t *testing.T) {
	q := NewDeferredQueue()
	defer q.Close()

	gate := make(chan struct{})
	q.Post(&blockingTask{gate: gate})

	ran := make(chan string, 2)
	q.Post(&recordingTask{name: "low", priority: PriorityLow, ran: ran})
	q.Post(&recordingTask{name: "high", priority: PriorityHigh, ran: ran})

	close(gate)

	first := <-ran
	second := <-ran

	require.Equal(t, "high", first)
	require.Equal(t, "low", second)
}
