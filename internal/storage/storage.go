package storage

import (
	"context"
	"errors"
	"fmt"
	"slices"
)

// Direction separates upload and download progress so the same root path used for both never collides.
type Direction string

const (
	Upload   Direction = "upload"
	Download Direction = "download"
)

var ErrInvalidDirection = errors.New("invalid transfer direction")

// Validate reports whether d is one of the known directions.
func (d Direction) Validate() error {
	switch d {
	case Upload, Download:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrInvalidDirection, string(d))
	}
}

// Key identifies one resumable session: the canonical source root within a direction.
type Key struct {
	Direction Direction
	Root      string
}

// ProgressStore persists, per session key, the set of item identifiers already transferred.
// Save always replaces the full set atomically. No cross-process locking is provided.
type ProgressStore interface {
	// Load returns every record of a direction, keyed by root.
	Load(ctx context.Context, direction Direction) (map[string][]string, error)
	// Completed returns the record of a single key, or an empty slice.
	Completed(ctx context.Context, key Key) ([]string, error)
	Save(ctx context.Context, key Key, completed []string) error
	Clear(ctx context.Context, key Key) error
}

// Normalize returns a sorted copy of items without duplicates or empty identifiers.
func Normalize(items []string) []string {
	out := make([]string, 0, len(items))

	for _, item := range items {
		if item != "" {
			out = append(out, item)
		}
	}

	slices.Sort(out)

	return slices.Compact(out)
}
