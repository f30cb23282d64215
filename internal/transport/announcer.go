// ABOUTME: Unbounded announcement queue feeding a directory channel
// ABOUTME: Keeps slow directory readers from blocking publishers
package transport

import (
	"context"
	"sync"
)

type announcer struct {
	mu     sync.Mutex
	queue  []Announcement
	notify chan struct{}
	stopCh chan struct{}
	once   sync.Once
	out    chan Announcement
	done   chan struct{}
}

func newAnnouncer(ctx context.Context) *announcer {
	a := &announcer{
		notify: make(chan struct{}, 1),
		stopCh: make(chan struct{}),
		out:    make(chan Announcement),
		done:   make(chan struct{}),
	}
	go a.pump(ctx)
	return a
}

func (a *announcer) push(ann Announcement) {
	a.mu.Lock()
	a.queue = append(a.queue, ann)
	a.mu.Unlock()

	select {
	case a.notify <- struct{}{}:
	default:
	}
}

func (a *announcer) stop() {
	a.once.Do(func() { close(a.stopCh) })
}

func (a *announcer) pump(ctx context.Context) {
	defer close(a.done)
	defer close(a.out)

	for {
		a.mu.Lock()
		var next *Announcement
		if len(a.queue) > 0 {
			ann := a.queue[0]
			a.queue = a.queue[1:]
			next = &ann
		}
		a.mu.Unlock()

		if next == nil {
			select {
			case <-a.notify:
				continue
			case <-a.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}

		select {
		case a.out <- *next:
		case <-a.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}
