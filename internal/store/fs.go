package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"

	"github.com/fpang/capture-review/internal/capture"
	"github.com/fpang/capture-review/internal/items"
)

// pendingPrefix marks a file whose write is still in progress. Writers
// create ".pending-<id><ext>" and rename it to "<id><ext>" when done.
const pendingPrefix = ".pending-"

// FSStore serves media from a flat directory. The file stem is the media
// ID; files whose stem is not numeric are ignored. Every change in the
// directory, from this process or any other, is delivered through fsnotify.
type FSStore struct {
	dir     string
	hub     *Notifier
	watcher *fsnotify.Watcher

	closeOnce sync.Once
	done      chan struct{}
}

// OpenFS opens dir as a media store, creating it if needed.
func OpenFS(dir string) (*FSStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create media directory: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}
	s := &FSStore{
		dir:     dir,
		hub:     NewNotifier(),
		watcher: watcher,
		done:    make(chan struct{}),
	}
	go s.loop()
	log.Debug().Str("dir", dir).Msg("Filesystem media store opened")
	return s, nil
}

// Dir returns the media directory.
func (s *FSStore) Dir() string { return s.dir }

func (s *FSStore) loop() {
	defer close(s.done)
	for {
		select {
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Chmod) && !event.Has(fsnotify.Write) {
				continue
			}
			entry, ok := parseMediaName(filepath.Base(event.Name))
			if !ok {
				continue
			}
			log.Trace().Str("op", event.Op.String()).Str("name", event.Name).Msg("Media file event")
			s.hub.Notify(idKey(entry.id), "ref:"+capture.FileRef(entry.id).String())
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Str("dir", s.dir).Msg("Media watcher error")
		}
	}
}

type mediaName struct {
	id      int64
	ext     string
	pending bool
}

func parseMediaName(name string) (mediaName, bool) {
	var n mediaName
	if strings.HasPrefix(name, pendingPrefix) {
		n.pending = true
		name = strings.TrimPrefix(name, pendingPrefix)
	}
	n.ext = filepath.Ext(name)
	id, err := strconv.ParseInt(strings.TrimSuffix(name, n.ext), 10, 64)
	if err != nil || id < 0 || MIMEType(n.ext) == "" {
		return mediaName{}, false
	}
	n.id = id
	return n, true
}

func (n mediaName) fileName() string {
	base := idKey(n.id) + n.ext
	if n.pending {
		return pendingPrefix + base
	}
	return base
}

// scan reads the directory. When both a pending and a final file exist for
// one ID, the final file wins.
func (s *FSStore) scan() (map[int64]Media, map[int64]mediaName, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, nil, fmt.Errorf("read %s: %w", s.dir, err)
	}
	media := make(map[int64]Media, len(entries))
	names := make(map[int64]mediaName, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		n, ok := parseMediaName(e.Name())
		if !ok {
			continue
		}
		if prev, seen := names[n.id]; seen && !prev.pending {
			continue
		}
		info, err := e.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, nil, fmt.Errorf("stat %s: %w", e.Name(), err)
		}
		names[n.id] = n
		media[n.id] = Media{
			ID:       n.id,
			Ref:      capture.FileRef(n.id),
			MimeType: MIMEType(n.ext),
			Pending:  n.pending,
			AddedAt:  info.ModTime().UnixMilli(),
		}
	}
	return media, names, nil
}

// Pending implements readiness.Store. Refs without a numeric ID are never
// found.
func (s *FSStore) Pending(ctx context.Context, ref capture.Ref) (pending, found bool, err error) {
	id, ok := ref.ID()
	if !ok {
		return false, false, nil
	}
	media, _, err := s.scan()
	if err != nil {
		return false, false, err
	}
	m, found := media[id]
	return m.Pending, found, nil
}

// Subscribe implements readiness.Store.
func (s *FSStore) Subscribe(ctx context.Context, ref capture.Ref, onChange func()) (func(), error) {
	return s.hub.Subscribe(key(ref), onChange), nil
}

// List returns every media file, newest first.
func (s *FSStore) List(ctx context.Context) ([]Media, error) {
	media, _, err := s.scan()
	if err != nil {
		return nil, err
	}
	out := make([]Media, 0, len(media))
	for _, m := range media {
		out = append(out, m)
	}
	sortMedia(out)
	return out, nil
}

// WatchSnapshots implements items.SnapshotSource.
func (s *FSStore) WatchSnapshots(ctx context.Context, fn func([]items.MediaItem)) error {
	return watchSnapshots(ctx, s.hub, s.List, func(list []Media) { fn(Items(list)) })
}

// Write stores content for id the way a camera does: into a pending file
// first, renamed into place once fully written.
func (s *FSStore) Write(ctx context.Context, id int64, mimeType string, content io.Reader) error {
	ext, err := Extension(mimeType)
	if err != nil {
		return err
	}
	pending := mediaName{id: id, ext: ext, pending: true}
	path := filepath.Join(s.dir, pending.fileName())
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if _, err := io.Copy(f, content); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return fmt.Errorf("close %s: %w", path, err)
	}
	return s.SetPending(ctx, id, false)
}

// Put creates an empty file for m, replacing any existing file for m.ID.
func (s *FSStore) Put(ctx context.Context, m Media) error {
	ext, err := Extension(m.MimeType)
	if err != nil {
		return err
	}
	if err := s.Delete(ctx, m.ID); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	n := mediaName{id: m.ID, ext: ext, pending: m.Pending}
	path := filepath.Join(s.dir, n.fileName())
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		return fmt.Errorf("put %s: %w", path, err)
	}
	return nil
}

// SetPending renames id's file into or out of the pending state.
func (s *FSStore) SetPending(ctx context.Context, id int64, pending bool) error {
	_, names, err := s.scan()
	if err != nil {
		return err
	}
	n, ok := names[id]
	if !ok {
		return fmt.Errorf("media %d: %w", id, ErrNotFound)
	}
	if n.pending == pending {
		return nil
	}
	from := filepath.Join(s.dir, n.fileName())
	n.pending = pending
	to := filepath.Join(s.dir, n.fileName())
	if err := os.Rename(from, to); err != nil {
		return fmt.Errorf("rename %s: %w", from, err)
	}
	log.Debug().Int64("id", id).Bool("pending", pending).Msg("Media pending flag updated")
	return nil
}

// Delete removes every file for id.
func (s *FSStore) Delete(ctx context.Context, id int64) error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("read %s: %w", s.dir, err)
	}
	removed := 0
	for _, e := range entries {
		n, ok := parseMediaName(e.Name())
		if !ok || n.id != id {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, e.Name())); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("delete %s: %w", e.Name(), err)
		}
		removed++
	}
	if removed == 0 {
		return fmt.Errorf("media %d: %w", id, ErrNotFound)
	}
	return nil
}

// Close stops watching the directory.
func (s *FSStore) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.watcher.Close()
		<-s.done
	})
	return err
}
