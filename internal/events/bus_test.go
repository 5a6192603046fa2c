package events

import (
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestPublishSubscribeInOrder(t *testing.T) {
	bus := NewBus(16, testLogger())
	sub := bus.Subscribe(CallTopic("c1"))
	defer sub.Close()

	for i := 0; i < 5; i++ {
		bus.Publish(Event{Type: "call.state", Topic: CallTopic("c1"), Data: map[string]any{"seq": i}})
	}

	for i := 0; i < 5; i++ {
		select {
		case ev := <-sub.C:
			if got := ev.Data["seq"]; got != i {
				t.Errorf("event %d: seq = %v, want %d", i, got, i)
			}
			if ev.Time.IsZero() {
				t.Error("event time not stamped")
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}
}

func TestTopicIsolation(t *testing.T) {
	bus := NewBus(16, testLogger())
	sub := bus.Subscribe(CallTopic("c1"))
	defer sub.Close()

	bus.Publish(Event{Type: "call.state", Topic: CallTopic("c2")})
	bus.Publish(Event{Type: "agent.status", Topic: AgentTopic("a1")})

	select {
	case ev := <-sub.C:
		t.Fatalf("received event for foreign topic: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSupervisorsFirehose(t *testing.T) {
	bus := NewBus(16, testLogger())
	sup := bus.Subscribe(TopicSupervisors)
	defer sup.Close()

	topics := []string{CallTopic("c1"), AgentTopic("a9"), CampaignTopic("k2"), TopicSupervisors}
	for _, topic := range topics {
		bus.Publish(Event{Type: "x", Topic: topic})
	}

	for i, want := range topics {
		select {
		case ev := <-sup.C:
			if ev.Topic != want {
				t.Errorf("event %d topic = %q, want %q", i, ev.Topic, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("firehose missed event %d", i)
		}
	}
}

func TestOverflowDropsOldest(t *testing.T) {
	bus := NewBus(3, testLogger())
	sub := bus.Subscribe(CallTopic("c1"))
	defer sub.Close()

	for i := 0; i < 5; i++ {
		bus.Publish(Event{Type: "call.state", Topic: CallTopic("c1"), Data: map[string]any{"seq": i}})
	}

	// Queue held 0,1,2; publishing 3 dropped 0, publishing 4 dropped 1.
	want := []int{2, 3, 4}
	for i, w := range want {
		select {
		case ev := <-sub.C:
			if got := ev.Data["seq"]; got != w {
				t.Errorf("event %d: seq = %v, want %d", i, got, w)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}

	if got := sub.Dropped(); got != 2 {
		t.Errorf("subscriber dropped = %d, want 2", got)
	}
	_, dropped, _ := bus.Stats()
	if dropped != 2 {
		t.Errorf("bus dropped = %d, want 2", dropped)
	}
}

func TestCloseStopsDelivery(t *testing.T) {
	bus := NewBus(4, testLogger())
	sub := bus.Subscribe(CallTopic("c1"))
	sub.Close()
	sub.Close() // idempotent

	bus.Publish(Event{Type: "call.state", Topic: CallTopic("c1")})

	select {
	case ev := <-sub.C:
		t.Fatalf("received event after Close: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}

	if _, _, n := bus.Stats(); n != 0 {
		t.Errorf("subscribers = %d after Close, want 0", n)
	}
}

func TestManySubscribersSameTopic(t *testing.T) {
	bus := NewBus(8, testLogger())
	var subs []*Subscription
	for i := 0; i < 4; i++ {
		subs = append(subs, bus.Subscribe(CampaignTopic("k1")))
	}
	defer func() {
		for _, s := range subs {
			s.Close()
		}
	}()

	bus.Publish(Event{Type: "pacing.adjusted", Topic: CampaignTopic("k1")})

	for i, s := range subs {
		select {
		case <-s.C:
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d missed the event", i)
		}
	}
}

func TestStatsPublished(t *testing.T) {
	bus := NewBus(4, testLogger())
	for i := 0; i < 7; i++ {
		bus.Publish(Event{Type: "t", Topic: fmt.Sprintf("call/%d", i)})
	}
	published, _, _ := bus.Stats()
	if published != 7 {
		t.Errorf("published = %d, want 7", published)
	}
}
