package compose

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/seriesme/seriesme-agent/internal/repeat"
)

const streamBuffer = 8

// Frame is one sampled copy of the surface in RGBA order.
type Frame struct {
	Pix    []byte
	Width  int
	Height int
	Index  int           // frame slot since stream start, gaps mean dropped frames
	At     time.Duration // offset from stream start
}

// Stream samples the composer's surface at a fixed rate.
type Stream struct {
	frames  chan Frame
	task    *repeat.Task
	closed  chan struct{}
	once    sync.Once
	sent    atomic.Int64
	dropped atomic.Int64
}

// CaptureStream starts sampling the surface every 1/fps. A consumer that falls
// behind loses frames; the drawing side never waits. fps <= 0 uses the
// composer's frame rate.
func (c *Composer) CaptureStream(ctx context.Context, fps int) *Stream {
	if fps <= 0 {
		fps = c.opts.FPS
	}
	s := &Stream{
		frames: make(chan Frame, streamBuffer),
		closed: make(chan struct{}),
	}

	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		close(s.frames)
		close(s.closed)
		s.once.Do(func() {})
		return s
	}
	c.streams[s] = struct{}{}
	c.mu.Unlock()

	interval := time.Second / time.Duration(fps)
	last := -1
	// Ticks are aligned to frame slots so the index tracks wall-clock time
	// even when a sample runs late.
	sched := func(_ int, elapsed time.Duration) time.Duration {
		return (elapsed/interval+1)*interval - elapsed
	}
	s.task = repeat.Start(ctx, sched, func(ctx context.Context, tick repeat.Tick) (bool, error) {
		idx := int(tick.Elapsed / interval)
		if idx <= last {
			return false, nil
		}
		frame, ok := c.sample(idx, tick.Elapsed)
		if !ok {
			return true, nil
		}
		last = idx
		select {
		case s.frames <- frame:
			s.sent.Add(1)
		default:
			s.dropped.Add(1)
		}
		return false, nil
	})

	go func() {
		<-s.task.Done()
		c.forget(s)
		close(s.frames)
		close(s.closed)
	}()
	return s
}

func (c *Composer) sample(index int, at time.Duration) (Frame, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return Frame{}, false
	}
	pix := make([]byte, len(c.surface.Pix))
	copy(pix, c.surface.Pix)
	return Frame{
		Pix:    pix,
		Width:  c.opts.Width,
		Height: c.opts.Height,
		Index:  index,
		At:     at,
	}, true
}

func (c *Composer) forget(s *Stream) {
	c.mu.Lock()
	if c.streams != nil {
		delete(c.streams, s)
	}
	c.mu.Unlock()
}

// Frames is closed after Stop.
func (s *Stream) Frames() <-chan Frame {
	return s.frames
}

// Stop ends sampling and waits for the frame channel to close.
func (s *Stream) Stop() {
	s.once.Do(func() {
		if s.task != nil {
			s.task.Stop()
		}
	})
	<-s.closed
}

// Sent is the number of frames delivered to the channel.
func (s *Stream) Sent() int64 { return s.sent.Load() }

// Dropped is the number of frames lost to a slow consumer.
func (s *Stream) Dropped() int64 { return s.dropped.Load() }
