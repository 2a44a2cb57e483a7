package session

import (
	"context"
	"sync"
)

// PendingNavigator records where a background transition wants the browser
// to go. The next guarded page request is redirected there and live
// websocket subscribers are told right away.
type PendingNavigator struct {
	mu      sync.Mutex
	target  string
	nextSub uint64
	subs    map[uint64]chan string
}

func NewPendingNavigator() *PendingNavigator {
	return &PendingNavigator{subs: map[uint64]chan string{}}
}

// Navigate records url, replacing any earlier pending target.
func (n *PendingNavigator) Navigate(_ context.Context, url string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.target = url
	for _, ch := range n.subs {
		select {
		case <-ch:
		default:
		}
		ch <- url
	}
	return nil
}

// Take returns and forgets the pending target.
func (n *PendingNavigator) Take() (string, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	t := n.target
	n.target = ""
	return t, t != ""
}

// Subscribe returns a channel receiving each navigation target.
func (n *PendingNavigator) Subscribe() (<-chan string, func()) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nextSub++
	id := n.nextSub
	ch := make(chan string, 1)
	n.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			n.mu.Lock()
			defer n.mu.Unlock()
			if c, ok := n.subs[id]; ok {
				delete(n.subs, id)
				close(c)
			}
		})
	}
}

func (n *PendingNavigator) closeSubscribers() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for id, ch := range n.subs {
		delete(n.subs, id)
		close(ch)
	}
}
