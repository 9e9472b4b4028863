package catalog

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
)

// Kind distinguishes the two asset pools held by the catalog.
type Kind int

const (
	Video Kind = iota
	Audio
)

// Asset is one media file known to the catalog. Immutable once loaded.
// Category holds the category ID derived from naming heuristics at load
// time, or "" when no keyword matched.
type Asset struct {
	Name     string
	Locator  string
	Category string
}

// ErrCatalogUnavailable is returned by Refresh when the source cannot be
// reached or its payload cannot be parsed. The previous snapshot is retained.
var ErrCatalogUnavailable = errors.New("catalog unavailable")

// Source fetches the current asset inventory from wherever assets live
// (an HTTP index, a local directory tree, object storage).
type Source interface {
	Fetch(ctx context.Context) (videos, audios []Asset, err error)
}

// Resolver turns an asset locator into a locally playable path or directly
// streamable URL. A resolve failure excludes the asset from selection for
// the current cycle only.
type Resolver interface {
	Resolve(ctx context.Context, a Asset) (string, error)
}

// PassthroughResolver returns locators unchanged, for sources whose
// locators are already playable (local paths, public URLs).
type PassthroughResolver struct{}

// Resolve implements Resolver.
func (PassthroughResolver) Resolve(_ context.Context, a Asset) (string, error) {
	return a.Locator, nil
}

type snapshot struct {
	videos []Asset
	audios []Asset
}

// Catalog holds the current immutable asset snapshot and refreshes it from
// a Source on demand. Reads are safe concurrently with a refresh; the
// snapshot is swapped atomically so readers never see a partial load.
type Catalog struct {
	source Source
	tag    func(name string) string
	snap   atomic.Pointer[snapshot]
}

// New returns a Catalog over the given source. tag derives an asset's
// category ID from its name at load time; it may be nil to skip tagging.
// The catalog is empty until the first successful Refresh.
func New(source Source, tag func(name string) string) *Catalog {
	c := &Catalog{source: source, tag: tag}
	c.snap.Store(&snapshot{})
	return c
}

// Refresh fetches a fresh inventory and swaps it in. On failure the error
// wraps ErrCatalogUnavailable and the previous snapshot stays in place, so
// the catalog is never left empty once a load has succeeded. Refresh is
// meant to run between sessions, not while a selection is in progress.
func (c *Catalog) Refresh(ctx context.Context) error {
	videos, audios, err := c.source.Fetch(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCatalogUnavailable, err)
	}
	if c.tag != nil {
		for i := range videos {
			videos[i].Category = c.tag(videos[i].Name)
		}
		for i := range audios {
			audios[i].Category = c.tag(audios[i].Name)
		}
	}
	c.snap.Store(&snapshot{videos: videos, audios: audios})
	return nil
}

// Assets returns the current snapshot for the given kind. The returned
// slice must not be mutated by callers.
func (c *Catalog) Assets(kind Kind) []Asset {
	s := c.snap.Load()
	if kind == Video {
		return s.videos
	}
	return s.audios
}
