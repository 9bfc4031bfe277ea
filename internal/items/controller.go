package items

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/fpang/capture-review/internal/observable"
)

// SnapshotSource pushes full, ordered media lists. Each call to fn
// supersedes the previous one. WatchSnapshots blocks until ctx is done or
// the source fails.
type SnapshotSource interface {
	WatchSnapshots(ctx context.Context, fn func([]MediaItem)) error
}

// Options configures a Controller.
type Options struct {
	// CameraPlaceholder prepends the camera page to every published list.
	CameraPlaceholder bool
}

// Controller reconciles store snapshots with user deletions and publishes
// the result.
//
// mu serializes the deleted set, the ready set, and publication, so a list
// reflecting a pre-delete state can never be published after Delete
// returns.
type Controller struct {
	opts Options

	mu        sync.Mutex
	deleted   map[int64]struct{}
	everReady map[int64]struct{}
	current   []MediaItem

	items  *observable.Value[[]PagerItem]
	chrome *observable.Value[bool]
}

// NewController creates a Controller with an empty list and chrome shown.
func NewController(opts Options) *Controller {
	c := &Controller{
		opts:      opts,
		deleted:   make(map[int64]struct{}),
		everReady: make(map[int64]struct{}),
		chrome:    observable.New(true),
	}
	c.items = observable.New(c.pages(nil))
	return c
}

// Submit replaces the list with snapshot. Deleted IDs are dropped, repeated
// IDs keep their first occurrence, and store order is preserved. An item
// once reported ready stays ready.
func (c *Controller) Submit(snapshot []MediaItem) {
	c.mu.Lock()
	defer c.mu.Unlock()

	seen := make(map[int64]struct{}, len(snapshot))
	next := make([]MediaItem, 0, len(snapshot))
	for _, item := range snapshot {
		if _, gone := c.deleted[item.ID]; gone {
			continue
		}
		if _, dup := seen[item.ID]; dup {
			continue
		}
		seen[item.ID] = struct{}{}
		if item.Ready {
			c.everReady[item.ID] = struct{}{}
		} else if _, was := c.everReady[item.ID]; was {
			item.Ready = true
		}
		next = append(next, item)
	}
	c.publishLocked(next)
}

// Delete hides id immediately and for the rest of the session, whether or
// not the store ever confirms the deletion.
func (c *Controller) Delete(id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.deleted[id] = struct{}{}
	next := make([]MediaItem, 0, len(c.current))
	for _, item := range c.current {
		if item.ID != id {
			next = append(next, item)
		}
	}
	log.Debug().Int64("id", id).Int("remaining", len(next)).Msg("Item hidden pending deletion")
	c.publishLocked(next)
}

// IsDeleted reports whether id has been deleted in this session.
func (c *Controller) IsDeleted(id int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.deleted[id]
	return ok
}

// Items returns the latest published list. Callers must not modify it.
func (c *Controller) Items() []PagerItem {
	return c.items.Get()
}

// Find returns the media item with id from the latest published list.
func (c *Controller) Find(id int64) (MediaItem, bool) {
	for _, p := range c.items.Get() {
		if m, ok := p.(MediaItem); ok && m.ID == id {
			return m, true
		}
	}
	return MediaItem{}, false
}

// SubscribeItems streams every published list until ctx is done.
func (c *Controller) SubscribeItems(ctx context.Context) <-chan []PagerItem {
	return c.items.Subscribe(ctx)
}

// Chrome reports whether the action bar is shown.
func (c *Controller) Chrome() bool {
	return c.chrome.Get()
}

// ToggleChrome flips chrome visibility and returns the new value.
func (c *Controller) ToggleChrome() bool {
	return c.chrome.Update(func(show bool) bool { return !show })
}

// SubscribeChrome streams every chrome visibility change until ctx is done.
func (c *Controller) SubscribeChrome(ctx context.Context) <-chan bool {
	return c.chrome.Subscribe(ctx)
}

// Follow feeds src's snapshots into Submit until ctx is done.
func (c *Controller) Follow(ctx context.Context, src SnapshotSource) error {
	return src.WatchSnapshots(ctx, c.Submit)
}

func (c *Controller) publishLocked(next []MediaItem) {
	c.current = next
	c.items.Set(c.pages(next))
}

func (c *Controller) pages(media []MediaItem) []PagerItem {
	out := make([]PagerItem, 0, len(media)+1)
	if c.opts.CameraPlaceholder {
		out = append(out, CameraPlaceholder{})
	}
	for _, m := range media {
		out = append(out, m)
	}
	return out
}
