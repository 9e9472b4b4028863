package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// HTTPSource fetches a JSON asset index from a remote URL. The expected
// payload shape:
//
//	{ "videos": [{"name": "...", "url": "..."}], "audios": [...] }
type HTTPSource struct {
	URL    string
	Client *http.Client
}

type indexEntry struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

type indexPayload struct {
	Videos []indexEntry `json:"videos"`
	Audios []indexEntry `json:"audios"`
}

// Fetch implements Source.
func (s *HTTPSource) Fetch(ctx context.Context) ([]Asset, []Asset, error) {
	client := s.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return nil, nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, nil, fmt.Errorf("catalog index returned status %d", resp.StatusCode)
	}

	var payload indexPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, nil, fmt.Errorf("decode catalog index: %w", err)
	}

	return entriesToAssets(payload.Videos), entriesToAssets(payload.Audios), nil
}

func entriesToAssets(entries []indexEntry) []Asset {
	assets := make([]Asset, 0, len(entries))
	for _, e := range entries {
		if e.Name == "" || e.URL == "" {
			continue
		}
		assets = append(assets, Asset{Name: e.Name, Locator: e.URL})
	}
	return assets
}

// Video and audio extensions accepted by DirSource.
var (
	videoExts = []string{".mp4", ".mkv"}
	audioExts = []string{".mp3", ".aac", ".wav"}
)

// DirSource reads assets from two local directories, filtering by file
// extension. Locators are absolute-ish paths suitable for feeding straight
// to the encoder.
type DirSource struct {
	VideoDir string
	AudioDir string
}

// Fetch implements Source.
func (s *DirSource) Fetch(_ context.Context) ([]Asset, []Asset, error) {
	videos, err := scanDir(s.VideoDir, videoExts)
	if err != nil {
		return nil, nil, err
	}
	audios, err := scanDir(s.AudioDir, audioExts)
	if err != nil {
		return nil, nil, err
	}
	return videos, audios, nil
}

func scanDir(dir string, exts []string) ([]Asset, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read media dir %s: %w", dir, err)
	}
	var assets []Asset
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !hasExt(name, exts) {
			continue
		}
		assets = append(assets, Asset{Name: name, Locator: filepath.Join(dir, name)})
	}
	return assets, nil
}

func hasExt(name string, exts []string) bool {
	lower := strings.ToLower(name)
	for _, ext := range exts {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}
