// Package events carries render progress from the assembly pipeline to
// whoever is interested: the job service, metrics, logs.
package events

import (
	"sync"
	"time"
)

// Stage is a step of clip assembly.
type Stage string

const (
	StageDecode   Stage = "decode"
	StageCaptions Stage = "captions"
	StageRender   Stage = "render"
	StageEncode   Stage = "encode"
	StagePoster   Stage = "poster"
	StageDone     Stage = "done"
	StageFailed   Stage = "failed"
)

// Terminal reports whether no further events follow for the job.
func (s Stage) Terminal() bool {
	return s == StageDone || s == StageFailed
}

// Event is a progress notification for one job.
type Event struct {
	JobID      string
	Stage      Stage
	Progress   float64 // 0..1 within the render
	ETASeconds int
	Message    string
	At         time.Time
}

// Handler receives events synchronously on the publisher's goroutine.
type Handler func(Event)

// Publisher is what producers depend on.
type Publisher interface {
	Publish(Event)
}

// Bus fans events out to subscribers.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]Handler
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]Handler)}
}

// Subscribe registers h and returns a function that removes it.
func (b *Bus) Subscribe(h Handler) (unsubscribe func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = h
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

// Publish delivers e to every subscriber. A zero At is stamped with the
// current time.
func (b *Bus) Publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}

	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs))
	for _, h := range b.subs {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(e)
	}
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(Event) {}
