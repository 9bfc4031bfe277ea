package store

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"github.com/fpang/capture-review/internal/capture"
	"github.com/fpang/capture-review/internal/items"
)

// Source is a pull-only media store.
type Source interface {
	Pending(ctx context.Context, ref capture.Ref) (pending, found bool, err error)
	List(ctx context.Context) ([]Media, error)
}

// PollOptions configures a Poller.
type PollOptions struct {
	// Interval is the delay after a poll that saw a change.
	Interval time.Duration
	// MaxInterval caps the delay after consecutive unchanged polls.
	MaxInterval time.Duration
}

// Default poll intervals.
const (
	DefaultPollInterval    = 500 * time.Millisecond
	DefaultPollMaxInterval = 10 * time.Second
)

// Poller turns a pull-only Source into a Backend by re-listing it and
// diffing consecutive listings. Unchanged polls back off exponentially up
// to MaxInterval; any change, or a new subscription, resets the delay.
// Notifications are only delivered while Run is running.
type Poller struct {
	src  Source
	opts PollOptions
	hub  *Notifier

	mu   sync.Mutex
	last map[int64]Media

	kick chan struct{}
}

// NewPoller wraps src.
func NewPoller(src Source, opts PollOptions) *Poller {
	if opts.Interval <= 0 {
		opts.Interval = DefaultPollInterval
	}
	if opts.MaxInterval < opts.Interval {
		opts.MaxInterval = opts.Interval
	}
	return &Poller{
		src:  src,
		opts: opts,
		hub:  NewNotifier(),
		kick: make(chan struct{}, 1),
	}
}

func (p *Poller) newBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.opts.Interval
	bo.MaxInterval = p.opts.MaxInterval
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

// Run polls until ctx is done.
func (p *Poller) Run(ctx context.Context) error {
	bo := p.newBackOff()
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.kick:
			bo.Reset()
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		case <-timer.C:
		}

		changed, err := p.poll(ctx)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Warn().Err(err).Msg("Media poll failed")
		case changed:
			bo.Reset()
		}
		timer.Reset(bo.NextBackOff())
	}
}

// poll lists the source and notifies the keys whose rows changed.
func (p *Poller) poll(ctx context.Context) (bool, error) {
	list, err := p.src.List(ctx)
	if err != nil {
		return false, err
	}
	next := make(map[int64]Media, len(list))
	for _, m := range list {
		next[m.ID] = m
	}

	p.mu.Lock()
	prev := p.last
	p.last = next
	p.mu.Unlock()

	if prev == nil {
		return false, nil
	}
	var keys []string
	for id, m := range next {
		if old, ok := prev[id]; !ok || old != m {
			keys = append(keys, idKey(id), "ref:"+m.Ref.String())
		}
	}
	for id, m := range prev {
		if _, ok := next[id]; !ok {
			keys = append(keys, idKey(id), "ref:"+m.Ref.String())
		}
	}
	if len(keys) == 0 {
		return false, nil
	}
	log.Debug().Int("keys", len(keys)/2).Msg("Media poll saw changes")
	p.hub.Notify(keys...)
	return true, nil
}

// Kick schedules an immediate poll.
func (p *Poller) Kick() {
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

// Pending implements readiness.Store. It always asks the source.
func (p *Poller) Pending(ctx context.Context, ref capture.Ref) (bool, bool, error) {
	return p.src.Pending(ctx, ref)
}

// Subscribe implements readiness.Store.
func (p *Poller) Subscribe(ctx context.Context, ref capture.Ref, onChange func()) (func(), error) {
	unsubscribe := p.hub.Subscribe(key(ref), onChange)
	p.Kick()
	return unsubscribe, nil
}

// List implements Backend.
func (p *Poller) List(ctx context.Context) ([]Media, error) {
	return p.src.List(ctx)
}

// WatchSnapshots implements items.SnapshotSource.
func (p *Poller) WatchSnapshots(ctx context.Context, fn func([]items.MediaItem)) error {
	return watchSnapshots(ctx, p.hub, p.List, func(list []Media) { fn(Items(list)) })
}

// Source returns the wrapped source.
func (p *Poller) Source() Source { return p.src }

// Close closes the source if it can be closed.
func (p *Poller) Close() error {
	if c, ok := p.src.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
