package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu  sync.Mutex
	log []string
}

func (r *recorder) add(s string) {
	r.mu.Lock()
	r.log = append(r.log, s)
	r.mu.Unlock()
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.log...)
}

func (r *recorder) handlers() Handlers {
	return Handlers{
		MessageReceived: func(e MessageReceived) { r.add("msg:" + e.Message.Content) },
		ResponseGenerated: func(e ResponseGenerated) {
			r.add("reply:" + e.BotID)
		},
		TypingChanged: func(e TypingChanged) {
			if e.Typing {
				r.add("typing-on:" + e.BotID)
			} else {
				r.add("typing-off:" + e.BotID)
			}
		},
	}
}

func TestTypingOffPrecedesDeliveryPerSubscriber(t *testing.T) {
	bus := NewBus(1, nil)
	ctx := context.Background()

	recs := []*recorder{{}, {}}
	for _, r := range recs {
		bus.Subscribe(r.handlers())
	}

	for i := 0; i < 20; i++ {
		require.NoError(t, bus.PublishTypingChanged(ctx, TypingChanged{BotID: "a", Typing: true}))
		require.NoError(t, bus.PublishTypingChanged(ctx, TypingChanged{BotID: "a", Typing: false}))
		require.NoError(t, bus.PublishResponseGenerated(ctx, ResponseGenerated{BotID: "a"}))
	}
	bus.Close()

	for _, r := range recs {
		log := r.snapshot()
		require.Len(t, log, 60)
		for i := 0; i < 60; i += 3 {
			assert.Equal(t, []string{"typing-on:a", "typing-off:a", "reply:a"}, log[i:i+3])
		}
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus(8, nil)
	defer bus.Close()
	r := &recorder{}
	unsubscribe := bus.Subscribe(r.handlers())

	require.NoError(t, bus.PublishMessageReceived(context.Background(), MessageReceived{}))
	unsubscribe()
	unsubscribe()
	require.NoError(t, bus.PublishMessageReceived(context.Background(), MessageReceived{}))

	assert.Eventually(t, func() bool { return len(r.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, r.snapshot(), 1)
}

func TestHandlerMayUnsubscribeWhilePublisherBlocks(t *testing.T) {
	bus := NewBus(1, nil)
	defer bus.Close()

	var unsubscribe func()
	unsubscribe = bus.Subscribe(Handlers{TypingChanged: func(TypingChanged) {
		time.Sleep(10 * time.Millisecond)
		unsubscribe()
	}})

	done := make(chan error, 1)
	go func() {
		for i := 0; i < 5; i++ {
			if err := bus.PublishTypingChanged(context.Background(), TypingChanged{BotID: "a", Typing: i%2 == 0}); err != nil {
				done <- err
				return
			}
		}
		done <- nil
	}()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("publisher and unsubscribing handler deadlocked")
	}
}

func TestPublishAfterClose(t *testing.T) {
	bus := NewBus(1, nil)
	bus.Close()
	bus.Close()
	assert.ErrorIs(t, bus.PublishTypingChanged(context.Background(), TypingChanged{}), ErrBusClosed)
}

func TestPublishRespectsContext(t *testing.T) {
	bus := NewBus(1, nil)
	defer bus.Close()

	block := make(chan struct{})
	bus.Subscribe(Handlers{TypingChanged: func(TypingChanged) { <-block }})
	defer close(block)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	var err error
	for i := 0; i < 5 && err == nil; i++ {
		err = bus.PublishTypingChanged(ctx, TypingChanged{})
	}
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSubscriberPanicIsContained(t *testing.T) {
	bus := NewBus(4, nil)
	r := &recorder{}
	bus.Subscribe(Handlers{MessageReceived: func(MessageReceived) { panic("boom") }})
	bus.Subscribe(r.handlers())

	require.NoError(t, bus.PublishMessageReceived(context.Background(), MessageReceived{}))
	bus.Close()
	assert.Len(t, r.snapshot(), 1)
}
