package events

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cf-ai-groupchat-go/internal/models"
	"github.com/sirupsen/logrus"
)

// ErrBusClosed is returned when publishing on a closed bus
var ErrBusClosed = errors.New("event bus closed")

// MessageReceived is published when a chat message enters the room
type MessageReceived struct {
	Message   models.ConversationMessage
	Addressed []string
}

// ResponseGenerated is published when a bot reply is ready for delivery
type ResponseGenerated struct {
	RequestID string
	BotID     string
	BotName   string
	Content   string
	HTML      string
	Fallback  bool
	// Autonomous is set for replies not triggered by a message
	Autonomous bool
	Timestamp  time.Time
}

// TypingChanged is published when a bot starts or stops typing
type TypingChanged struct {
	BotID   string
	BotName string
	Typing  bool
}

// Subscriber receives every event kind. Handlers run on the subscriber's own goroutine.
type Subscriber interface {
	OnMessageReceived(MessageReceived)
	OnResponseGenerated(ResponseGenerated)
	OnTypingChanged(TypingChanged)
}

// Handlers adapts optional funcs to Subscriber
type Handlers struct {
	MessageReceived   func(MessageReceived)
	ResponseGenerated func(ResponseGenerated)
	TypingChanged     func(TypingChanged)
}

func (h Handlers) OnMessageReceived(e MessageReceived) {
	if h.MessageReceived != nil {
		h.MessageReceived(e)
	}
}

func (h Handlers) OnResponseGenerated(e ResponseGenerated) {
	if h.ResponseGenerated != nil {
		h.ResponseGenerated(e)
	}
}

func (h Handlers) OnTypingChanged(e TypingChanged) {
	if h.TypingChanged != nil {
		h.TypingChanged(e)
	}
}

// Publisher is the producing side of the bus
type Publisher interface {
	PublishMessageReceived(ctx context.Context, e MessageReceived) error
	PublishResponseGenerated(ctx context.Context, e ResponseGenerated) error
	PublishTypingChanged(ctx context.Context, e TypingChanged) error
}

type envelope interface {
	deliver(Subscriber)
}

func (e MessageReceived) deliver(s Subscriber)   { s.OnMessageReceived(e) }
func (e ResponseGenerated) deliver(s Subscriber) { s.OnResponseGenerated(e) }
func (e TypingChanged) deliver(s Subscriber)     { s.OnTypingChanged(e) }

type subscription struct {
	sub  Subscriber
	ch   chan envelope
	done chan struct{}
}

// Bus is an in-process typed publish/subscribe bus. Every subscriber drains
// its own ordered buffer, so events published in sequence by one goroutine
// reach each subscriber in that sequence.
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]*subscription
	nextID  int
	buffer  int
	closed  bool
	closing chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
	logger  *logrus.Logger
}

// NewBus creates a bus whose subscribers buffer up to buffer events
func NewBus(buffer int, logger *logrus.Logger) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	return &Bus{
		subs:    make(map[int]*subscription),
		buffer:  buffer,
		closing: make(chan struct{}),
		logger:  logger,
	}
}

// Subscribe registers s and returns a func that removes it
func (b *Bus) Subscribe(s Subscriber) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return func() {}
	}

	id := b.nextID
	b.nextID++
	sub := &subscription{sub: s, ch: make(chan envelope, b.buffer), done: make(chan struct{})}
	b.subs[id] = sub

	b.wg.Add(1)
	go b.run(sub)

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			if _, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub.done)
			}
			b.mu.Unlock()
		})
	}
}

func (b *Bus) run(sub *subscription) {
	defer b.wg.Done()
	for {
		select {
		case ev := <-sub.ch:
			b.dispatch(sub.sub, ev)
		case <-sub.done:
			// drain what was already accepted
			for {
				select {
				case ev := <-sub.ch:
					b.dispatch(sub.sub, ev)
				default:
					return
				}
			}
		}
	}
}

func (b *Bus) dispatch(s Subscriber, ev envelope) {
	defer func() {
		if r := recover(); r != nil && b.logger != nil {
			b.logger.WithField("panic", r).Error("Event subscriber panicked")
		}
	}()
	ev.deliver(s)
}

// publish hands ev to every subscriber, blocking while a buffer is full.
// The lock is released before sending so a handler may unsubscribe itself.
func (b *Bus) publish(ctx context.Context, ev envelope) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrBusClosed
	}
	subs := make([]*subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()

	for _, sub := range subs {
		select {
		case sub.ch <- ev:
		case <-sub.done:
		case <-b.closing:
			return ErrBusClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (b *Bus) PublishMessageReceived(ctx context.Context, e MessageReceived) error {
	return b.publish(ctx, e)
}

func (b *Bus) PublishResponseGenerated(ctx context.Context, e ResponseGenerated) error {
	return b.publish(ctx, e)
}

func (b *Bus) PublishTypingChanged(ctx context.Context, e TypingChanged) error {
	return b.publish(ctx, e)
}

// Close stops accepting events and waits for subscribers to drain
func (b *Bus) Close() {
	b.once.Do(b.shutdown)
}

func (b *Bus) shutdown() {
	close(b.closing)

	b.mu.Lock()
	b.closed = true
	for id, sub := range b.subs {
		close(sub.done)
		delete(b.subs, id)
	}
	b.mu.Unlock()

	b.wg.Wait()
}
