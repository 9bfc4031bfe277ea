// Package items owns the list of pages a review screen shows: an optional
// camera placeholder followed by the captured media items, kept in step
// with the media store and with deletions the user has asked for.
package items

import (
	"strings"

	"github.com/fpang/capture-review/internal/capture"
)

// Kind discriminates PagerItem variants.
type Kind int

const (
	KindCamera Kind = iota
	KindMedia
)

// CameraPlaceholderID is the reserved identity of the camera page. Store
// IDs are positive, so it never collides with a media item.
const CameraPlaceholderID int64 = -1

// PagerItem is one page. The set of variants is closed: CameraPlaceholder
// and MediaItem. Switch on Kind() and handle both.
//
// Identity for diffing is ItemID; content equality is ==, which compares
// every field.
type PagerItem interface {
	ItemID() int64
	Kind() Kind
	pagerItem()
}

// CameraPlaceholder is the page that returns to the camera. It is always first.
type CameraPlaceholder struct{}

func (CameraPlaceholder) ItemID() int64 { return CameraPlaceholderID }
func (CameraPlaceholder) Kind() Kind    { return KindCamera }
func (CameraPlaceholder) pagerItem()    {}

// MediaItem is a captured photo or video.
type MediaItem struct {
	ID       int64       `json:"id"`
	Ref      capture.Ref `json:"ref"`
	MimeType string      `json:"mimeType,omitempty"`
	Ready    bool        `json:"ready"`
}

func (m MediaItem) ItemID() int64 { return m.ID }
func (MediaItem) Kind() Kind      { return KindMedia }
func (MediaItem) pagerItem()      {}

// IsVideo reports whether the item's MIME type is a video type.
func (m MediaItem) IsVideo() bool {
	return strings.HasPrefix(m.MimeType, "video/")
}

// SameItem reports whether a and b are the same page.
func SameItem(a, b PagerItem) bool {
	return a.Kind() == b.Kind() && a.ItemID() == b.ItemID()
}

// SameContent reports whether a and b render identically.
func SameContent(a, b PagerItem) bool {
	return a == b
}
