package matcher

import (
	"errors"
	"math/rand"
	"strings"

	"stream-rotator/internal/catalog"
)

// Category is a keyword-based content classification used to pair a video
// with a thematically matching audio track.
type Category struct {
	ID       string
	Keywords []string
}

// ErrNoCompatibleAudio is returned by SelectAudio when the audio pool is
// empty, so no track can be paired at all. It aborts the current cycle
// attempt, not the process.
var ErrNoCompatibleAudio = errors.New("no compatible audio asset")

// DefaultCategories is the built-in category table. Keywords are matched
// case-insensitively against asset names.
func DefaultCategories() []Category {
	return []Category{
		{ID: "rain", Keywords: []string{"rain", "storm", "thunder", "drizzle"}},
		{ID: "fire", Keywords: []string{"fire", "fireplace", "campfire", "ember"}},
		{ID: "forest", Keywords: []string{"forest", "wood", "bird", "nature"}},
		{ID: "snow", Keywords: []string{"snow", "winter", "blizzard"}},
		{ID: "night", Keywords: []string{"night", "moon", "star"}},
		{ID: "jazz", Keywords: []string{"jazz", "lofi", "piano", "cafe"}},
	}
}

// Matcher classifies videos into categories and selects compatible audio.
type Matcher struct {
	categories []Category
	rng        *rand.Rand
}

// New returns a Matcher over the given category table. If categories is
// empty, DefaultCategories is used. rng is used for the random fallbacks;
// if nil, a time-seeded source is created.
func New(categories []Category, rng *rand.Rand) *Matcher {
	if len(categories) == 0 {
		categories = DefaultCategories()
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(rand.Int63()))
	}
	return &Matcher{categories: categories, rng: rng}
}

// Classify returns the category for the given video asset. The asset name is
// scanned case-insensitively for category keywords; the first category with a
// matching keyword wins. If no keyword matches, a category is chosen
// uniformly at random so selection can always make forward progress.
func (m *Matcher) Classify(video catalog.Asset) Category {
	if c, ok := m.match(video.Name); ok {
		return c
	}
	return m.categories[m.rng.Intn(len(m.categories))]
}

// TagName returns the category ID matching the given asset name, or "" if no
// keyword matches. Suitable as the tagging function of a catalog.
func (m *Matcher) TagName(name string) string {
	if c, ok := m.match(name); ok {
		return c.ID
	}
	return ""
}

// SelectAudio picks an audio asset compatible with category. Audios whose
// name contains one of the category's keywords are preferred; if none match,
// the full pool is used instead. Availability of some audio is deliberately
// prioritized over thematic correctness. An empty pool returns
// ErrNoCompatibleAudio. Selection within the chosen set is uniform-random.
func (m *Matcher) SelectAudio(category Category, audios []catalog.Asset) (catalog.Asset, error) {
	if len(audios) == 0 {
		return catalog.Asset{}, ErrNoCompatibleAudio
	}

	matching := make([]catalog.Asset, 0, len(audios))
	for _, a := range audios {
		if nameMatches(a.Name, category.Keywords) {
			matching = append(matching, a)
		}
	}
	if len(matching) == 0 {
		matching = audios
	}

	return matching[m.rng.Intn(len(matching))], nil
}

// Title builds the broadcast title for a session from its category and video.
// The title must stay stable for the session's lifetime, so callers compute
// it once at session creation.
func (m *Matcher) Title(category Category, video catalog.Asset) string {
	base := strings.TrimSuffix(video.Name, ext(video.Name))
	base = strings.ReplaceAll(base, "_", " ")
	base = strings.ReplaceAll(base, "-", " ")
	base = strings.Join(strings.Fields(base), " ")
	if base == "" {
		base = "Ambience"
	}
	return base + " | " + strings.ToUpper(category.ID[:1]) + category.ID[1:] + " Ambience 24/7"
}

func (m *Matcher) match(name string) (Category, bool) {
	for _, c := range m.categories {
		if nameMatches(name, c.Keywords) {
			return c, true
		}
	}
	return Category{}, false
}

func nameMatches(name string, keywords []string) bool {
	lower := strings.ToLower(name)
	for _, kw := range keywords {
		if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

func ext(name string) string {
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		return name[i:]
	}
	return ""
}
