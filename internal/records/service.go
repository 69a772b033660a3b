package records

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bowerhall/slipbox/internal/logger"
	"github.com/bowerhall/slipbox/internal/storage"
)

func NewService(store *Store, content storage.Provider) *Service {
	return &Service{store: store, content: content}
}

// Save writes the image (if any) and then inserts the row. A failed write
// inserts nothing; a failed insert removes the written image again.
func (s *Service) Save(ctx context.Context, in SaveInput) (Record, error) {
	if in.Key.IsZero() && len(in.Image) == 0 {
		return Record{}, ErrEmpty
	}

	when := in.When
	if when.IsZero() {
		when = time.Now()
	}

	rec := Record{
		UnitID:    in.Key.UnitID,
		Period:    in.Key.Period,
		EventID:   in.EventID,
		Channel:   in.Channel,
		UserID:    in.UserID,
		CreatedAt: when,
	}

	if len(in.Image) > 0 {
		contentType, ext := storage.Sniff(in.Image)
		key := storage.ObjectKey(in.Key.Slug(), when, ext)

		if err := s.content.Put(ctx, key, in.Image, contentType); err != nil {
			return Record{}, fmt.Errorf("%w: %w", ErrStorage, err)
		}
		rec.ImagePath = key
	}

	id, err := s.store.Insert(ctx, rec)
	if err != nil {
		s.discard(ctx, rec.ImagePath, err)

		if errors.Is(err, ErrDuplicateEvent) {
			return Record{}, err
		}
		return Record{}, fmt.Errorf("%w: %w", ErrInsert, err)
	}

	rec.ID = id
	logger.Info("record saved", "id", id, "unit", rec.UnitID, "period", rec.Period, "image", rec.ImagePath)

	return rec, nil
}

func (s *Service) discard(ctx context.Context, key string, cause error) {
	if key == "" {
		return
	}

	if err := s.content.Delete(context.WithoutCancel(ctx), key); err != nil {
		logger.Error("orphaned image left in storage", "key", key, "error", err, "cause", cause)
		return
	}

	logger.Warn("image removed after failed insert", "key", key, "cause", cause)
}
