package eventbus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"coderelay/internal/domain"
)

// DefaultDeliveryTimeout bounds a single Deliver call.
const DefaultDeliveryTimeout = 5 * time.Second

type subscription struct {
	id  uint64
	obs domain.Observer
}

// Bus is a goroutine-safe broadcast bus. Every publish is offered to every
// attached observer; observers whose delivery fails are detached after the pass.
// Nothing is queued for observers that attach later.
type Bus struct {
	mu              sync.RWMutex
	subs            map[uint64]subscription
	nextID          atomic.Uint64
	lastPublish     atomic.Int64
	deliveryTimeout time.Duration
	logger          *slog.Logger
	closed          atomic.Bool
}

// Option configures a Bus.
type Option func(*Bus)

// WithDeliveryTimeout sets the per-observer delivery deadline.
func WithDeliveryTimeout(d time.Duration) Option {
	return func(b *Bus) {
		if d > 0 {
			b.deliveryTimeout = d
		}
	}
}

// New creates an event bus.
func New(logger *slog.Logger, opts ...Option) *Bus {
	b := &Bus{
		subs:            make(map[uint64]subscription),
		deliveryTimeout: DefaultDeliveryTimeout,
		logger:          logger,
	}
	for _, o := range opts {
		o(b)
	}
	b.lastPublish.Store(time.Now().UnixNano())
	return b
}

// Attach registers an observer and returns a detach function.
func (b *Bus) Attach(obs domain.Observer) func() {
	id := b.nextID.Add(1)

	b.mu.Lock()
	b.subs[id] = subscription{id: id, obs: obs}
	b.mu.Unlock()

	b.logger.Debug("observer attached", "observer", obs.ObserverID())
	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

// Len returns the number of attached observers.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Publish offers event to every observer concurrently and waits for all of
// them. Failed or panicking observers are reported as ObserverGone and pruned.
func (b *Bus) Publish(ctx context.Context, event domain.Event) domain.PublishReport {
	if b.closed.Load() {
		return domain.PublishReport{}
	}
	b.lastPublish.Store(time.Now().UnixNano())

	b.mu.RLock()
	subs := make([]subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	if len(subs) == 0 {
		return domain.PublishReport{}
	}

	results := make([]domain.DeliveryResult, len(subs))
	var wg sync.WaitGroup
	for i, sub := range subs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = b.deliver(ctx, event, sub)
		}()
	}
	wg.Wait()

	var gone []uint64
	for i, res := range results {
		if res.Status == domain.ObserverGone {
			gone = append(gone, subs[i].id)
		}
	}
	if len(gone) > 0 {
		b.mu.Lock()
		for _, id := range gone {
			delete(b.subs, id)
		}
		b.mu.Unlock()
		b.logger.Info("observers pruned", "event", string(event.Type), "count", len(gone))
	}

	return domain.PublishReport{Results: results}
}

func (b *Bus) deliver(ctx context.Context, event domain.Event, sub subscription) (res domain.DeliveryResult) {
	res.ObserverID = sub.obs.ObserverID()
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("observer panicked", "observer", res.ObserverID, "event", string(event.Type), "panic", r)
			res.Status = domain.ObserverGone
			res.Err = fmt.Errorf("%w: panic: %v", domain.ErrObserverGone, r)
		}
	}()

	dctx, cancel := context.WithTimeout(ctx, b.deliveryTimeout)
	defer cancel()

	if err := sub.obs.Deliver(dctx, event); err != nil {
		b.logger.Debug("delivery failed", "observer", res.ObserverID, "event", string(event.Type), "error", err)
		res.Status = domain.ObserverGone
		res.Err = err
		return res
	}
	res.Status = domain.Delivered
	return res
}

// Idle returns how long it has been since the last publish.
func (b *Bus) Idle(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, b.lastPublish.Load()))
}

// PingIfIdle publishes a keep-alive ping when nothing was published within
// interval. It reports whether a ping was sent.
func (b *Bus) PingIfIdle(ctx context.Context, now time.Time, interval time.Duration) bool {
	if b.Idle(now) < interval {
		return false
	}
	b.Publish(ctx, domain.NewEvent(domain.EventPing, nil))
	return true
}

// RunKeepAlive pings observers whenever the bus has been idle for interval.
// Broken transports are discovered and pruned by the ping. Blocks until ctx is done.
func (b *Bus) RunKeepAlive(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	tick := interval / 2
	if tick <= 0 {
		tick = interval
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			b.PingIfIdle(ctx, now, interval)
		}
	}
}

// Close prevents new publishes. Close is idempotent.
func (b *Bus) Close() {
	b.closed.Store(true)
}

// Func adapts a function into an observer that never fails. It is meant for
// in-process subscribers such as the session summary recorder.
func Func(id string, fn func(ctx context.Context, event domain.Event)) domain.Observer {
	return funcObserver{id: id, fn: fn}
}

type funcObserver struct {
	id string
	fn func(ctx context.Context, event domain.Event)
}

func (f funcObserver) ObserverID() string { return f.id }

func (f funcObserver) Deliver(ctx context.Context, event domain.Event) error {
	f.fn(ctx, event)
	return nil
}
