package storage

import "sync"

// notifier delivers events to watchers. Each watcher has its own unbounded
// queue drained by one goroutine, so a slow or re-entrant watcher never
// blocks the writer.
type notifier struct {
	mu       sync.Mutex
	idle     *sync.Cond
	seq      int
	pending  int
	watchers map[int]*watcher
}

type watcher struct {
	mu     sync.Mutex
	queue  []Event
	signal chan struct{}
	done   chan struct{}
	once   sync.Once
	fn     func(Event)
}

func (w *watcher) stop() {
	w.once.Do(func() { close(w.done) })
}

func newNotifier() *notifier {
	n := &notifier{watchers: make(map[int]*watcher)}
	n.idle = sync.NewCond(&n.mu)
	return n
}

func (n *notifier) watch(fn func(Event)) func() {
	w := &watcher{
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
		fn:     fn,
	}

	n.mu.Lock()
	n.seq++
	id := n.seq
	n.watchers[id] = w
	n.mu.Unlock()

	go n.drain(w)

	return func() {
		n.mu.Lock()
		delete(n.watchers, id)
		n.mu.Unlock()
		w.stop()
	}
}

func (n *notifier) publish(ev Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, w := range n.watchers {
		w.mu.Lock()
		w.queue = append(w.queue, ev)
		w.mu.Unlock()
		n.pending++
		select {
		case w.signal <- struct{}{}:
		default:
		}
	}
}

func (n *notifier) drain(w *watcher) {
	for {
		select {
		case <-w.done:
			w.mu.Lock()
			dropped := len(w.queue)
			w.queue = nil
			w.mu.Unlock()
			n.settle(dropped)
			return
		case <-w.signal:
		}

		for {
			w.mu.Lock()
			if len(w.queue) == 0 {
				w.mu.Unlock()
				break
			}
			ev := w.queue[0]
			w.queue = w.queue[1:]
			w.mu.Unlock()

			select {
			case <-w.done:
			default:
				w.fn(ev)
			}
			n.settle(1)
		}
	}
}

func (n *notifier) settle(count int) {
	if count == 0 {
		return
	}
	n.mu.Lock()
	n.pending -= count
	if n.pending <= 0 {
		n.pending = 0
		n.idle.Broadcast()
	}
	n.mu.Unlock()
}

// sync blocks until every published event has been handled. Calling it from
// inside a watcher deadlocks.
func (n *notifier) sync() {
	n.mu.Lock()
	for n.pending > 0 {
		n.idle.Wait()
	}
	n.mu.Unlock()
}

func (n *notifier) close() {
	n.mu.Lock()
	ws := make([]*watcher, 0, len(n.watchers))
	for id, w := range n.watchers {
		ws = append(ws, w)
		delete(n.watchers, id)
	}
	n.mu.Unlock()
	for _, w := range ws {
		w.stop()
	}
}
