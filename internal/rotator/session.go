package rotator

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"stream-rotator/internal/broadcast"
	"stream-rotator/internal/catalog"
	"stream-rotator/internal/matcher"
)

// Session is one scheduled airing cycle: one video, one audio, one remote
// broadcast, one encoder process. EndTime is fixed at creation and never
// changes.
type Session struct {
	ID        uuid.UUID
	Video     catalog.Asset
	Audio     catalog.Asset
	VideoPath string
	AudioPath string
	Category  matcher.Category
	Title     string

	BroadcastID    string
	IngestURL      string
	ScheduledStart time.Time
	EndTime        time.Time

	State broadcast.State
}

// Selection is the (video, audio, title) tuple feeding a new session,
// with locators already resolved to playable paths.
type Selection struct {
	Video     catalog.Asset
	Audio     catalog.Asset
	VideoPath string
	AudioPath string
	Category  matcher.Category
	Title     string
}

// Selector produces the content tuple for the next session.
type Selector interface {
	Select(ctx context.Context) (Selection, error)
}

// AssetSelector picks compatible content from the catalog: a random video,
// its category, and a thematically matching audio track. The catalog is
// refreshed before each selection, which only ever happens between cycles;
// a refresh failure keeps the previous snapshot and is logged only.
type AssetSelector struct {
	Catalog  *catalog.Catalog
	Matcher  *matcher.Matcher
	Resolver catalog.Resolver
	Log      *slog.Logger
	Rand     *rand.Rand
}

// Select implements Selector.
func (s *AssetSelector) Select(ctx context.Context) (Selection, error) {
	if err := s.Catalog.Refresh(ctx); err != nil {
		s.Log.Warn("catalog refresh failed, using previous snapshot",
			slog.String("error", err.Error()))
	}

	video, videoPath, err := s.pickResolvable(ctx, s.Catalog.Assets(catalog.Video))
	if err != nil {
		return Selection{}, fmt.Errorf("select video: %w", err)
	}

	category := s.Matcher.Classify(video)

	audios := s.resolvableAudios(ctx)
	audio, err := s.Matcher.SelectAudio(category, audios)
	if err != nil {
		return Selection{}, err
	}
	audioPath, err := s.Resolver.Resolve(ctx, audio)
	if err != nil {
		return Selection{}, fmt.Errorf("resolve audio %s: %w", audio.Name, err)
	}

	return Selection{
		Video:     video,
		Audio:     audio,
		VideoPath: videoPath,
		AudioPath: audioPath,
		Category:  category,
		Title:     s.Matcher.Title(category, video),
	}, nil
}

// pickResolvable tries randomly ordered candidates until one resolves.
// Unresolvable assets are excluded for this cycle only.
func (s *AssetSelector) pickResolvable(ctx context.Context, assets []catalog.Asset) (catalog.Asset, string, error) {
	if len(assets) == 0 {
		return catalog.Asset{}, "", fmt.Errorf("no assets available")
	}
	order := s.rng().Perm(len(assets))
	var lastErr error
	for _, i := range order {
		path, err := s.Resolver.Resolve(ctx, assets[i])
		if err != nil {
			s.Log.Warn("asset excluded for this cycle",
				slog.String("asset", assets[i].Name),
				slog.String("error", err.Error()))
			lastErr = err
			continue
		}
		return assets[i], path, nil
	}
	return catalog.Asset{}, "", fmt.Errorf("no resolvable assets: %v", lastErr)
}

// resolvableAudios filters the audio pool down to assets that resolve, so
// SelectAudio's fallback tiers only ever see playable candidates.
func (s *AssetSelector) resolvableAudios(ctx context.Context) []catalog.Asset {
	audios := s.Catalog.Assets(catalog.Audio)
	out := make([]catalog.Asset, 0, len(audios))
	for _, a := range audios {
		if _, err := s.Resolver.Resolve(ctx, a); err != nil {
			s.Log.Warn("asset excluded for this cycle",
				slog.String("asset", a.Name),
				slog.String("error", err.Error()))
			continue
		}
		out = append(out, a)
	}
	return out
}

func (s *AssetSelector) rng() *rand.Rand {
	if s.Rand != nil {
		return s.Rand
	}
	return rand.New(rand.NewSource(time.Now().UnixNano()))
}
