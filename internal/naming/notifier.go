package naming

import (
	"container/heap"
	"time"

	"github.com/nacos-go/registry/pkg/log"
	"github.com/nacos-go/registry/pkg/metrics"
)

// DefaultCoalesceWindow is the default sliding window over which
// repeated Notify calls for the same service collapse into one push.
const DefaultCoalesceWindow = 500 * time.Millisecond

// Pusher delivers one coalesced push to the given set of client ids
// for a service. Implemented by the subscriber index's forwarding
// path; kept as a function type here so the notifier has no import
// cycle on C2.
type Pusher func(key ServiceKey, clientIDs []string)

// Notifier is C3: it coalesces bursty Notify(key) calls within a
// sliding window and dispatches at most one push per (service,
// subscriber) pair per window.
type Notifier struct {
	window time.Duration
	push   Pusher

	notifyCh chan notifyMsg
	stopCh   chan struct{}

	pending map[ServiceKey]map[string]struct{}
	order   *dueHeap
}

type notifyMsg struct {
	key       ServiceKey
	clientIDs []string
}

// NewNotifier creates and starts a Notifier with the given coalescing
// window. push is called once per (service, subscriber-set) when the
// window for that service elapses.
func NewNotifier(window time.Duration, push Pusher) *Notifier {
	if window <= 0 {
		window = DefaultCoalesceWindow
	}
	n := &Notifier{
		window:   window,
		push:     push,
		notifyCh: make(chan notifyMsg, defaultMailboxSize),
		stopCh:   make(chan struct{}),
		pending:  make(map[ServiceKey]map[string]struct{}),
		order:    &dueHeap{},
	}
	heap.Init(n.order)
	go n.run()
	return n
}

// Notify merges clientIDs into the pending set for key and ensures a
// dispatch is scheduled no later than window from the first Notify
// for this batch. Never drops (coalescing provides pressure relief).
func (n *Notifier) Notify(key ServiceKey, clientIDs []string) {
	if len(clientIDs) == 0 {
		return
	}
	select {
	case n.notifyCh <- notifyMsg{key: key, clientIDs: clientIDs}:
	case <-n.stopCh:
	}
}

// Stop halts the dispatcher goroutine.
func (n *Notifier) Stop() {
	close(n.stopCh)
}

func (n *Notifier) run() {
	logger := log.WithComponent("delay-notifier")
	timer := time.NewTimer(time.Hour)
	if !timer.Stop() {
		<-timer.C
	}
	armed := false

	rearm := func() {
		if n.order.Len() == 0 {
			armed = false
			return
		}
		next := (*n.order)[0]
		d := time.Until(next.due)
		if d < 0 {
			d = 0
		}
		if !timer.Stop() && armed {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(d)
		armed = true
	}

	for {
		select {
		case msg := <-n.notifyCh:
			set, ok := n.pending[msg.key]
			if !ok {
				set = make(map[string]struct{}, len(msg.clientIDs))
				n.pending[msg.key] = set
				heap.Push(n.order, &dueEntry{key: msg.key, due: time.Now().Add(n.window)})
			}
			for _, c := range msg.clientIDs {
				set[c] = struct{}{}
			}
			rearm()

		case <-timer.C:
			armed = false
			now := time.Now()
			for n.order.Len() > 0 && !(*n.order)[0].due.After(now) {
				entry := heap.Pop(n.order).(*dueEntry)
				set, ok := n.pending[entry.key]
				if !ok {
					continue
				}
				delete(n.pending, entry.key)
				clients := make([]string, 0, len(set))
				for c := range set {
					clients = append(clients, c)
				}
				metrics.NotifyFanOut.Add(float64(len(clients)))
				if n.push != nil {
					n.push(entry.key, clients)
				}
			}
			rearm()

		case <-n.stopCh:
			logger.Debug().Msg("notifier stopped")
			return
		}
	}
}

type dueEntry struct {
	key ServiceKey
	due time.Time
}

// dueHeap is a min-heap ordered by due time, per spec.md §4.3.
type dueHeap []*dueEntry

func (h dueHeap) Len() int            { return len(h) }
func (h dueHeap) Less(i, j int) bool  { return h[i].due.Before(h[j].due) }
func (h dueHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *dueHeap) Push(x interface{}) { *h = append(*h, x.(*dueEntry)) }
func (h *dueHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
