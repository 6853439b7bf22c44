// Package localfabric is an in-process reference implementation of
// transport.Adapter. Every Node attached to the same *Fabric communicates
// as if over a real pub/sub/query/liveness fabric, entirely through Go
// channels — useful for tests and the single-process CLI demo, never for
// production use across processes.
//
// The registry shape is grounded on the teacher's Hub
// (internal/server/hub.go), which keeps its registered clients in one
// map. localfabric keeps path-pattern subscriptions, query responders,
// and liveness tokens in per-Fabric maps guarded by a single mutex;
// there is no event-processing goroutine.
package localfabric

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/milyin/zenoh-arena/internal/transport"
)

const sampleBufferSize = 64

// Fabric is a shared in-process bus. Multiple Adapters bound to the same
// Fabric behave like independent fabric sessions on the same network.
type Fabric struct {
	mu          sync.Mutex
	subs        map[*subscription]struct{}
	responders  map[*responder]struct{}
	liveness    map[string]struct{} // declared liveness paths
	livenessSub map[*livenessWatcher]struct{}
}

// New returns an empty, ready-to-use Fabric.
func New() *Fabric {
	return &Fabric{
		subs:        make(map[*subscription]struct{}),
		responders:  make(map[*responder]struct{}),
		liveness:    make(map[string]struct{}),
		livenessSub: make(map[*livenessWatcher]struct{}),
	}
}

// Adapter returns a new transport.Adapter bound to f.
func (f *Fabric) Adapter() transport.Adapter {
	return &adapter{fabric: f}
}

type adapter struct {
	fabric *Fabric
}

func (a *adapter) Publish(ctx context.Context, path string, payload []byte) error {
	f := a.fabric
	f.mu.Lock()
	defer f.mu.Unlock()
	for s := range f.subs {
		if !matchPath(s.pattern, path) {
			continue
		}
		sample := transport.Sample{Path: path, Payload: payload}
		select {
		case s.ch <- sample:
		default:
			// Drop-oldest: the subscriber is lagging, make room for the
			// newest sample rather than blocking the publisher.
			select {
			case <-s.ch:
			default:
			}
			select {
			case s.ch <- sample:
			default:
			}
		}
	}
	return nil
}

func (a *adapter) Subscribe(ctx context.Context, path string) (transport.Subscription, error) {
	f := a.fabric
	s := &subscription{
		fabric:  f,
		pattern: path,
		ch:      make(chan transport.Sample, sampleBufferSize),
	}
	f.mu.Lock()
	f.subs[s] = struct{}{}
	f.mu.Unlock()
	return s, nil
}

func (a *adapter) Query(ctx context.Context, path string, payload []byte, timeout time.Duration) (<-chan []byte, error) {
	f := a.fabric
	f.mu.Lock()
	var matched []*responder
	for r := range f.responders {
		if r.path == path {
			matched = append(matched, r)
		}
	}
	f.mu.Unlock()

	out := make(chan []byte, len(matched))
	qctx, cancel := context.WithTimeout(ctx, timeout)
	go func() {
		defer cancel()
		defer close(out)
		var wg sync.WaitGroup
		for _, r := range matched {
			r := r
			wg.Add(1)
			go func() {
				defer wg.Done()
				reply := r.handler(qctx, path, payload)
				if reply == nil {
					return
				}
				select {
				case out <- reply:
				case <-qctx.Done():
				}
			}()
		}
		wg.Wait()
		<-qctx.Done()
	}()
	return out, nil
}

func (a *adapter) DeclareResponder(ctx context.Context, path string, handler transport.QueryHandler) (transport.Handle, error) {
	f := a.fabric
	r := &responder{fabric: f, path: path, handler: handler}
	f.mu.Lock()
	f.responders[r] = struct{}{}
	f.mu.Unlock()
	return r, nil
}

func (a *adapter) DeclareLiveness(ctx context.Context, path string) (transport.Handle, error) {
	f := a.fabric
	f.mu.Lock()
	f.liveness[path] = struct{}{}
	watchers := f.matchingWatchersLocked(path)
	f.mu.Unlock()
	for _, w := range watchers {
		w.deliver(transport.LivenessEvent{Path: path, Up: true})
	}
	return &livenessToken{fabric: f, path: path}, nil
}

func (a *adapter) WatchLiveness(ctx context.Context, pathPattern string) (transport.LivenessWatcher, error) {
	f := a.fabric
	w := &livenessWatcher{
		fabric:  f,
		pattern: pathPattern,
		ch:      make(chan transport.LivenessEvent, sampleBufferSize),
	}
	f.mu.Lock()
	f.livenessSub[w] = struct{}{}
	var existing []string
	for p := range f.liveness {
		if matchPath(pathPattern, p) {
			existing = append(existing, p)
		}
	}
	f.mu.Unlock()
	for _, p := range existing {
		w.deliver(transport.LivenessEvent{Path: p, Up: true})
	}
	return w, nil
}

func (f *Fabric) matchingWatchersLocked(path string) []*livenessWatcher {
	var out []*livenessWatcher
	for w := range f.livenessSub {
		if matchPath(w.pattern, path) {
			out = append(out, w)
		}
	}
	return out
}

// --- subscription -------------------------------------------------------

type subscription struct {
	fabric  *Fabric
	pattern string
	ch      chan transport.Sample
	once    sync.Once
}

func (s *subscription) C() <-chan transport.Sample { return s.ch }

func (s *subscription) Close() error {
	s.once.Do(func() {
		s.fabric.mu.Lock()
		delete(s.fabric.subs, s)
		s.fabric.mu.Unlock()
		close(s.ch)
	})
	return nil
}

// --- responder ------------------------------------------------------------

type responder struct {
	fabric  *Fabric
	path    string
	handler transport.QueryHandler
	once    sync.Once
}

func (r *responder) Close() error {
	r.once.Do(func() {
		r.fabric.mu.Lock()
		delete(r.fabric.responders, r)
		r.fabric.mu.Unlock()
	})
	return nil
}

// --- liveness -------------------------------------------------------------

type livenessToken struct {
	fabric *Fabric
	path   string
	once   sync.Once
}

func (t *livenessToken) Close() error {
	t.once.Do(func() {
		t.fabric.mu.Lock()
		delete(t.fabric.liveness, t.path)
		watchers := t.fabric.matchingWatchersLocked(t.path)
		t.fabric.mu.Unlock()
		for _, w := range watchers {
			w.deliver(transport.LivenessEvent{Path: t.path, Up: false})
		}
	})
	return nil
}

type livenessWatcher struct {
	fabric  *Fabric
	pattern string
	ch      chan transport.LivenessEvent
	once    sync.Once
}

func (w *livenessWatcher) C() <-chan transport.LivenessEvent { return w.ch }

func (w *livenessWatcher) deliver(ev transport.LivenessEvent) {
	select {
	case w.ch <- ev:
	default:
		select {
		case <-w.ch:
		default:
		}
		select {
		case w.ch <- ev:
		default:
		}
	}
}

func (w *livenessWatcher) Close() error {
	w.once.Do(func() {
		w.fabric.mu.Lock()
		delete(w.fabric.livenessSub, w)
		w.fabric.mu.Unlock()
		close(w.ch)
	})
	return nil
}

// matchPath reports whether path matches pattern, where pattern may carry
// at most one "*" segment matching exactly one non-empty path chunk.
func matchPath(pattern, path string) bool {
	if !strings.Contains(pattern, "*") {
		return pattern == path
	}
	pSegs := strings.Split(pattern, "/")
	qSegs := strings.Split(path, "/")
	if len(pSegs) != len(qSegs) {
		return false
	}
	for i, seg := range pSegs {
		if seg == "*" {
			if qSegs[i] == "" {
				return false
			}
			continue
		}
		if seg != qSegs[i] {
			return false
		}
	}
	return true
}
