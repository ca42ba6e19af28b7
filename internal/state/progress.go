package state

import (
	"context"
	"fmt"
	"sort"

	"github.com/vmihailenco/msgpack/v5"

	"spread-hedge-bot/internal/strategy"
)

const coverProgressPrefix = "cover:"

func coverProgressKey(entryOrderID string) string {
	return coverProgressPrefix + entryOrderID
}

func SaveCoverProgress(ctx context.Context, store Store, progress strategy.CoverProgress) error {
	if store == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	payload, err := msgpack.Marshal(progress)
	if err != nil {
		return fmt.Errorf("encode cover progress: %w", err)
	}
	return store.Set(ctx, coverProgressKey(progress.EntryOrderID), payload)
}

func DeleteCoverProgress(ctx context.Context, store Store, entryOrderID string) error {
	if store == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return store.Delete(ctx, coverProgressKey(entryOrderID))
}

// LoadCoverProgress returns every persisted progress entry ordered by entry id.
func LoadCoverProgress(ctx context.Context, store Store) ([]strategy.CoverProgress, error) {
	if store == nil {
		return nil, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	raw, err := store.List(ctx, coverProgressPrefix)
	if err != nil {
		return nil, err
	}
	out := make([]strategy.CoverProgress, 0, len(raw))
	for key, payload := range raw {
		var progress strategy.CoverProgress
		if err := msgpack.Unmarshal(payload, &progress); err != nil {
			return nil, fmt.Errorf("decode %s: %w", key, err)
		}
		out = append(out, progress)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntryOrderID < out[j].EntryOrderID })
	return out, nil
}
