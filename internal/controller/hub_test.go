package controller

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/autobot-fleet/flm/internal/protocol"
)

func drainEnvelope(t *testing.T, ch <-chan []byte, timeout time.Duration) protocol.Envelope {
	t.Helper()
	select {
	case payload, ok := <-ch:
		if !ok {
			t.Fatal("channel closed while waiting for a message")
		}
		var env protocol.Envelope
		if err := json.Unmarshal(payload, &env); err != nil {
			t.Fatalf("unmarshal envelope: %v", err)
		}
		return env
	case <-time.After(timeout):
		t.Fatal("timed out waiting for a published message")
	}
	return protocol.Envelope{}
}

// TestHub_Publish_FanOutToMultipleSubscribers verifies that two
// subscribers on the same topic both observe an event published once.
func TestHub_Publish_FanOutToMultipleSubscribers(t *testing.T) {
	hub := NewHub(testLogger(), nil)

	sub1, unsub1 := hub.Subscribe(TopicGlobal)
	defer unsub1()
	sub2, unsub2 := hub.Subscribe(TopicGlobal)
	defer unsub2()

	hub.Publish(TopicGlobal, protocol.EventNodeRegistered, map[string]string{"node_id": "n1"})

	env1 := drainEnvelope(t, sub1.ch, time.Second)
	env2 := drainEnvelope(t, sub2.ch, time.Second)

	if env1.Type != protocol.EventNodeRegistered || env2.Type != protocol.EventNodeRegistered {
		t.Fatalf("expected both subscribers to see %q, got %q and %q", protocol.EventNodeRegistered, env1.Type, env2.Type)
	}
}

// TestHub_Publish_TopicIsolation ensures a subscriber on one node's topic
// never observes another node's events.
func TestHub_Publish_TopicIsolation(t *testing.T) {
	hub := NewHub(testLogger(), nil)

	subN1, unsub := hub.Subscribe(TopicNode("n1"))
	defer unsub()

	hub.Publish(TopicNode("n2"), protocol.EventHeartbeat, map[string]string{"node_id": "n2"})

	select {
	case <-subN1.ch:
		t.Fatal("subscriber to n1's topic must not receive n2's event")
	case <-time.After(50 * time.Millisecond):
	}
}

// TestHub_Unsubscribe_StopsFurtherDelivery confirms unsubscribing one
// listener does not affect the other, and closes the removed listener's
// channel so its queue does not leak.
func TestHub_Unsubscribe_StopsFurtherDelivery(t *testing.T) {
	hub := NewHub(testLogger(), nil)

	subA, unsubA := hub.Subscribe(TopicGlobal)
	subB, unsubB := hub.Subscribe(TopicGlobal)
	defer unsubB()

	unsubA()

	if _, ok := <-subA.ch; ok {
		t.Fatal("expected the unsubscribed subscriber's channel to be closed")
	}

	hub.Publish(TopicGlobal, protocol.EventNodeRegistered, map[string]string{"node_id": "n1"})
	env := drainEnvelope(t, subB.ch, time.Second)
	if env.Type != protocol.EventNodeRegistered {
		t.Fatalf("expected the still-subscribed listener to keep receiving events, got %q", env.Type)
	}
}

// TestHub_Publish_DropsOnFullBufferWithoutBlocking reproduces the
// best-effort delivery invariant: a subscriber whose buffer has filled up
// must never stall the publisher, and the publisher must move on having
// dropped the overflow silently (logged, not returned as an error).
func TestHub_Publish_DropsOnFullBufferWithoutBlocking(t *testing.T) {
	hub := NewHub(testLogger(), nil)
	sub, unsub := hub.Subscribe(TopicGlobal)
	defer unsub()

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberQueueSize+50; i++ {
			hub.Publish(TopicGlobal, protocol.EventHeartbeat, map[string]int{"i": i})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked instead of dropping messages on a full subscriber buffer")
	}

	// Drain whatever made it through; the exact count doesn't matter, only
	// that publishing never blocked.
	drained := 0
	for {
		select {
		case _, ok := <-sub.ch:
			if !ok {
				t.Fatal("channel closed unexpectedly")
			}
			drained++
		default:
			if drained == 0 {
				t.Fatal("expected at least some messages to have been delivered")
			}
			return
		}
	}
}

// TestHub_Publish_OrderedDeliveryToSurvivingSubscriber verifies that a
// long run of progress messages is delivered in order on a job topic,
// after a second subscriber has already disconnected.
func TestHub_Publish_OrderedDeliveryToSurvivingSubscriber(t *testing.T) {
	hub := NewHub(testLogger(), nil)
	topic := TopicJob("job-1")

	ghost, unsubGhost := hub.Subscribe(topic)
	unsubGhost()
	_ = ghost

	survivor, unsub := hub.Subscribe(topic)
	defer unsub()

	const n = 50
	for i := 0; i < n; i++ {
		hub.Publish(topic, protocol.EventJobProgress, map[string]int{"step": i})
	}

	for i := 0; i < n; i++ {
		env := drainEnvelope(t, survivor.ch, time.Second)
		var data map[string]int
		if err := json.Unmarshal(env.Data, &data); err != nil {
			t.Fatalf("unmarshal data: %v", err)
		}
		if data["step"] != i {
			t.Fatalf("expected message %d to carry step=%d in order, got %d", i, i, data["step"])
		}
	}
}
