package persist

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/zulandar/kommemeorate/internal/blob"
	"github.com/zulandar/kommemeorate/internal/db"
	"github.com/zulandar/kommemeorate/internal/event"
	"github.com/zulandar/kommemeorate/internal/models"
)

// Storage is the blob directory plus record store owned by one consumer
// generation.
type Storage struct {
	Store *db.Store
	Blobs *blob.Dir
}

// OpenStorage connects to the record store, migrating it, and opens the
// blob directory.
func OpenStorage(cfg Config) (*Storage, error) {
	blobs, err := blob.Open(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("persist: %w", err)
	}
	gdb, err := db.Connect(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("persist: %w", err)
	}
	return &Storage{Store: db.NewStore(gdb), Blobs: blobs}, nil
}

// Close releases the record store connection.
func (s *Storage) Close() error {
	return s.Store.Close()
}

// Apply persists one event. Blobs are written before their record and
// removed before it, so a record never points at a blob that was not
// written.
func (s *Storage) Apply(ctx context.Context, log zerolog.Logger, ev event.Event) error {
	switch e := ev.(type) {
	case event.Created:
		return s.save(ctx, log, e.Image, e.Source)
	case event.Updated:
		return s.save(ctx, log, e.Image, e.Source)
	case event.Deleted:
		return s.delete(ctx, log, e.Source)
	default:
		return fmt.Errorf("persist: unexpected event %T", ev)
	}
}

func key(src event.Source) db.Key {
	return db.Key{Platform: string(src.Platform), ChatID: src.ChatID, MessageID: src.MessageID}
}

func (s *Storage) save(ctx context.Context, log zerolog.Logger, img event.Image, src event.Source) error {
	name := Filename(src, img.Data)

	prev, err := s.Store.Get(ctx, key(src))
	if err != nil {
		return fmt.Errorf("persist: %w", err)
	}
	if err := s.Blobs.Write(name, img.Data); err != nil {
		return fmt.Errorf("persist: %w", err)
	}

	id := src.MessageID
	rec := &models.Meme{
		Spoiler:         img.Spoiler,
		Text:            img.Caption,
		Timestamp:       img.Timestamp,
		Account:         src.Account,
		Channel:         src.Channel,
		Platform:        string(src.Platform),
		ChatID:          src.ChatID,
		SourceMessageID: &id,
		Filename:        name,
	}
	if err := s.Store.Upsert(ctx, rec); err != nil {
		return fmt.Errorf("persist: %w", err)
	}

	if prev != nil && prev.Filename != name {
		if err := s.Blobs.Remove(prev.Filename); err != nil {
			return fmt.Errorf("persist: replace %s: %w", prev.Filename, err)
		}
	}
	log.Info().Str("filename", name).Bool("replaced", prev != nil).Msg("stored meme")
	return nil
}

func (s *Storage) delete(ctx context.Context, log zerolog.Logger, src event.Source) error {
	memes, err := s.Store.Matching(ctx, key(src))
	if err != nil {
		return fmt.Errorf("persist: %w", err)
	}
	if len(memes) == 0 {
		log.Debug().Object("source", src).Msg("deleted message has no stored meme")
		return nil
	}
	for _, m := range memes {
		if err := s.Blobs.Remove(m.Filename); err != nil {
			return fmt.Errorf("persist: %w", err)
		}
		if err := s.Store.Delete(ctx, m.ID); err != nil {
			return fmt.Errorf("persist: %w", err)
		}
		log.Info().Str("filename", m.Filename).Uint("id", m.ID).Msg("deleted meme")
	}
	return nil
}

// Report lists the inconsistencies a reconcile pass found.
type Report struct {
	// OrphanRecords are records whose blob is missing, by id.
	OrphanRecords map[uint]string
	// OrphanBlobs are blobs no record refers to.
	OrphanBlobs []string
	// TempFiles counts leftovers of interrupted blob writes.
	TempFiles int
}

// Clean reports whether nothing was found.
func (r Report) Clean() bool {
	return len(r.OrphanRecords) == 0 && len(r.OrphanBlobs) == 0 && r.TempFiles == 0
}

// Reconcile finds records without blobs and blobs without records and, unless
// dryRun is set, removes them.
func (s *Storage) Reconcile(ctx context.Context, dryRun bool) (Report, error) {
	rep := Report{OrphanRecords: make(map[uint]string)}

	names, err := s.Blobs.List()
	if err != nil {
		return rep, fmt.Errorf("persist: reconcile: %w", err)
	}
	onDisk := make(map[string]bool, len(names))
	for _, n := range names {
		onDisk[n] = true
	}

	records, err := s.Store.Filenames(ctx)
	if err != nil {
		return rep, fmt.Errorf("persist: reconcile: %w", err)
	}
	referenced := make(map[string]bool, len(records))
	for id, name := range records {
		referenced[name] = true
		if !onDisk[name] {
			rep.OrphanRecords[id] = name
		}
	}
	for _, n := range names {
		if !referenced[n] {
			rep.OrphanBlobs = append(rep.OrphanBlobs, n)
		}
	}

	if dryRun {
		return rep, nil
	}

	var errs []error
	for id := range rep.OrphanRecords {
		errs = append(errs, s.Store.Delete(ctx, id))
	}
	for _, n := range rep.OrphanBlobs {
		errs = append(errs, s.Blobs.Remove(n))
	}
	n, err := s.Blobs.CleanTemp()
	rep.TempFiles = n
	errs = append(errs, err)
	if err := errors.Join(errs...); err != nil {
		return rep, fmt.Errorf("persist: reconcile: %w", err)
	}
	return rep, nil
}
