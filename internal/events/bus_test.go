package events

import (
	"testing"
	"time"

	"github.com/codebuildervaibhav/lecture-digest/internal/types"
)

func TestPublishReachesTaskSubscriber(t *testing.T) {
	b := New()
	sub := b.Subscribe(TaskTopic("abc"))
	defer b.Unsubscribe(sub)

	b.Publish(StatusEvent{TaskID: "abc", Kind: KindStatusChanged, Status: types.StatusAcquired})

	select {
	case ev := <-sub.Ch():
		if ev.Status != types.StatusAcquired || ev.At.IsZero() {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestTaskPrefixDoesNotMatchLongerID(t *testing.T) {
	b := New()
	sub := b.Subscribe(TaskTopic("abc"))
	defer b.Unsubscribe(sub)

	b.Publish(StatusEvent{TaskID: "abcd", Kind: KindCompleted})

	select {
	case ev := <-sub.Ch():
		t.Fatalf("unexpected event for other task: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	done := make(chan struct{})
	go func() {
		for i := 0; i < defaultBufferSize*2; i++ {
			b.Publish(StatusEvent{TaskID: "x", Kind: KindStageStarted})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on full subscriber")
	}
	if got := len(sub.Ch()); got != defaultBufferSize {
		t.Errorf("buffered = %d, want %d", got, defaultBufferSize)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	b.Unsubscribe(sub)
	b.Unsubscribe(sub)

	if _, ok := <-sub.Ch(); ok {
		t.Error("channel still open")
	}
	if b.SubscriberCount() != 0 {
		t.Errorf("SubscriberCount = %d", b.SubscriberCount())
	}
}
