package eventbus

import (
	"testing"
	"time"
)

func TestPublishFansOut(t *testing.T) {
	t.Parallel()
	b := New()
	a, unsubA := b.Subscribe(4)
	c, unsubC := b.Subscribe(4)
	defer unsubA()
	defer unsubC()

	b.Publish(Event{Type: TypeAlarmTriggered, User: "1"})
	for _, ch := range []<-chan Event{a, c} {
		select {
		case e := <-ch:
			if e.Type != TypeAlarmTriggered || e.User != "1" || e.Time.IsZero() {
				t.Fatalf("event = %+v", e)
			}
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}
}

func TestSlowSubscriberDrops(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()
	for i := 0; i < 5; i++ {
		b.Publish(Event{Type: TypeDeliveryFailed})
	}
	if n := len(ch); n != 1 {
		t.Fatalf("buffered %d events, want 1", n)
	}
}

func TestUnsubscribeClosesOnce(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed")
	}
	b.Publish(Event{Type: TypeSchedulerStopped})
}

func TestNop(t *testing.T) {
	t.Parallel()
	var b Bus = Nop{}
	b.Publish(Event{})
	ch, unsub := b.Subscribe(1)
	defer unsub()
	if _, ok := <-ch; ok {
		t.Fatal("Nop subscription should be closed")
	}
}
