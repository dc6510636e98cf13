package internal

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// SegmentEvent names a finalized segment file to ingest.
type SegmentEvent struct {
	Path string
}

// Watcher observes every channel's source directory and forwards
// finalized segment files to the engine. Encoders publish atomically by
// writing to a temp name and renaming into place, so a Create of a
// parseable name means the file is complete; bare Write events never
// finalize a segment.
type Watcher struct {
	fsw    *fsnotify.Watcher
	events chan SegmentEvent
	log    zerolog.Logger
}

// NewWatcher creates a watcher registered on all channel directories.
func NewWatcher(reg *Registry, logger zerolog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("fsnotify.NewWatcher: %w", err)
	}
	w := &Watcher{
		fsw:    fsw,
		events: make(chan SegmentEvent, 256),
		log:    logger.With().Str("component", "watcher").Logger(),
	}
	var addErr error
	reg.Each(func(ch *Channel) {
		if addErr != nil {
			return
		}
		if err := fsw.Add(ch.Dir()); err != nil {
			addErr = fmt.Errorf("watch directory %s: %w", ch.Dir(), err)
		}
	})
	if addErr != nil {
		_ = fsw.Close()
		return nil, addErr
	}
	return w, nil
}

// Events returns the channel of finalized segment files.
func (w *Watcher) Events() <-chan SegmentEvent {
	return w.events
}

// Run forwards filesystem events until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	defer func() {
		_ = w.fsw.Close()
	}()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return fmt.Errorf("watcher event channel closed")
			}
			if !shouldIngest(ev) {
				continue
			}
			select {
			case w.events <- SegmentEvent{Path: ev.Name}:
			case <-ctx.Done():
				return ctx.Err()
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return fmt.Errorf("watcher error channel closed")
			}
			w.log.Warn().Err(err).Msg("fsnotify error")
		}
	}
}

// shouldIngest classifies a raw fsnotify event. Only Create and Rename
// of a name that parses as a segment or init blob trigger ingestion.
func shouldIngest(ev fsnotify.Event) bool {
	if !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Rename) {
		return false
	}
	_, ok := parseSegmentName(filepath.Base(ev.Name))
	return ok
}
