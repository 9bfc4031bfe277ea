// Package store provides the media stores that back capture review: the
// point "is this item still pending?" query the readiness watcher needs,
// ref-scoped change notifications, and full ordered snapshots for the item
// list.
//
// Every backend keys media by its numeric ID. A ref whose trailing path
// segment is not numeric falls back to an exact ref match.
//
// SQLiteStore and FSStore push changes as they happen. DynamoStore and
// S3Store are pull-only and are wrapped in a Poller, which re-lists on an
// exponential backoff that resets whenever something changes.
package store

import (
	"context"
	"errors"
	"sort"
	"strconv"

	"github.com/fpang/capture-review/internal/capture"
	"github.com/fpang/capture-review/internal/items"
	"github.com/fpang/capture-review/internal/readiness"
)

// Backend names accepted by configuration.
const (
	BackendSQLite   = "sqlite"
	BackendFS       = "fs"
	BackendDynamoDB = "dynamodb"
	BackendS3       = "s3"
)

// ErrNotFound is returned by Writer operations on an unknown ID. Reads
// never return it: a missing item is reported as found == false.
var ErrNotFound = errors.New("media not found")

// Media is one row of a media store.
type Media struct {
	ID       int64       `json:"id" dynamodbav:"id"`
	Ref      capture.Ref `json:"ref" dynamodbav:"ref"`
	MimeType string      `json:"mimeType,omitempty" dynamodbav:"mimeType,omitempty"`
	Pending  bool        `json:"pending" dynamodbav:"isPending"`
	// AddedAt is Unix milliseconds. Snapshots are ordered by it, newest
	// first, then by ID.
	AddedAt int64 `json:"addedAt" dynamodbav:"addedAt"`
}

// Item converts m to the item list's representation.
func (m Media) Item() items.MediaItem {
	return items.MediaItem{ID: m.ID, Ref: m.Ref, MimeType: m.MimeType, Ready: !m.Pending}
}

// Items converts a listing.
func Items(list []Media) []items.MediaItem {
	out := make([]items.MediaItem, 0, len(list))
	for _, m := range list {
		out = append(out, m.Item())
	}
	return out
}

// Backend is a media store usable by both the readiness watcher and the
// item list.
type Backend interface {
	readiness.Store
	items.SnapshotSource

	// List returns every media row in snapshot order.
	List(ctx context.Context) ([]Media, error)

	Close() error
}

// Writer mutates a media store. Capture pipelines and the media CLI use
// it; the review flow itself only reads.
type Writer interface {
	Put(ctx context.Context, m Media) error
	SetPending(ctx context.Context, id int64, pending bool) error
	Delete(ctx context.Context, id int64) error
}

// Compile-time interface checks.
var (
	_ Backend = (*SQLiteStore)(nil)
	_ Writer  = (*SQLiteStore)(nil)
	_ Backend = (*FSStore)(nil)
	_ Writer  = (*FSStore)(nil)
	_ Backend = (*Poller)(nil)
	_ Writer  = (*DynamoStore)(nil)
	_ Writer  = (*S3Store)(nil)
)

// key returns the notification and lookup key for ref.
func key(ref capture.Ref) string {
	if id, ok := ref.ID(); ok {
		return idKey(id)
	}
	return "ref:" + ref.String()
}

func idKey(id int64) string {
	return strconv.FormatInt(id, 10)
}

// lessMedia orders snapshots newest first, then by ID.
func lessMedia(a, b Media) bool {
	if a.AddedAt != b.AddedAt {
		return a.AddedAt > b.AddedAt
	}
	return a.ID < b.ID
}

func sortMedia(list []Media) {
	sort.Slice(list, func(i, j int) bool { return lessMedia(list[i], list[j]) })
}
