package bus

import (
	"context"
	"log"
	"sync"

	"chartfeed/internal/model"
)

// FanOut broadcasts committed bar events from a single input channel to N
// output channels. If an output channel is full, the event is dropped for
// that consumer so a slow sink cannot stall the emit path.
type FanOut struct {
	mu      sync.RWMutex
	outputs []chan model.BarEvent
	names   []string
	bufSize int

	// OnDrop is called with the slow sink's name when an event is dropped.
	OnDrop func(sink string)
}

// New creates a FanOut with the given buffer size for output channels.
func New(outputBufferSize int) *FanOut {
	return &FanOut{
		bufSize: outputBufferSize,
	}
}

// Subscribe creates and returns a new named output channel.
func (f *FanOut) Subscribe(name string) <-chan model.BarEvent {
	ch := make(chan model.BarEvent, f.bufSize)
	f.mu.Lock()
	f.outputs = append(f.outputs, ch)
	f.names = append(f.names, name)
	f.mu.Unlock()
	return ch
}

// Publish offers an event to every subscriber without blocking.
func (f *FanOut) Publish(ev model.BarEvent) {
	f.mu.RLock()
	for i, ch := range f.outputs {
		select {
		case ch <- ev:
		default:
			if f.OnDrop != nil {
				f.OnDrop(f.names[i])
			} else {
				log.Printf("[bus] sink %q full, dropping bar %s", f.names[i], ev.Key())
			}
		}
	}
	f.mu.RUnlock()
}

// Run reads from the input channel and fans out to all subscribers.
// Blocks until ctx is cancelled or input is closed, then closes every
// output channel.
func (f *FanOut) Run(ctx context.Context, input <-chan model.BarEvent) {
	defer func() {
		f.mu.RLock()
		for _, ch := range f.outputs {
			close(ch)
		}
		f.mu.RUnlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-input:
			if !ok {
				return
			}
			f.Publish(ev)
		}
	}
}

// ChannelStat reports (length, capacity) for one subscriber channel.
type ChannelStat struct {
	Name string
	Len  int
	Cap  int
}

// ChannelStats returns saturation stats for every subscriber channel.
func (f *FanOut) ChannelStats() []ChannelStat {
	f.mu.RLock()
	defer f.mu.RUnlock()
	stats := make([]ChannelStat, len(f.outputs))
	for i, ch := range f.outputs {
		stats[i] = ChannelStat{Name: f.names[i], Len: len(ch), Cap: cap(ch)}
	}
	return stats
}
