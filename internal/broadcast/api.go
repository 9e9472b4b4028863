package broadcast

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// API is the raw remote broadcast control surface. Implementations perform
// one attempt per call; retry policy lives in Client.
type API interface {
	// CreateBroadcast creates a scheduled broadcast with a bound ingestion
	// endpoint and returns the remote identifier plus the endpoint URL.
	CreateBroadcast(ctx context.Context, title string, scheduledStart time.Time) (id, ingestURL string, err error)
	// IngestionStatus reports whether the platform sees incoming stream data.
	IngestionStatus(ctx context.Context, id string) (IngestionStatus, error)
	// Transition requests a broadcast state change. An invalid or premature
	// transition returns ErrInvalidTransition.
	Transition(ctx context.Context, id string, target State) error
	// UpdateMetadata replaces the broadcast title.
	UpdateMetadata(ctx context.Context, id, title string) error
	// SetThumbnail uploads a thumbnail image for the broadcast.
	SetThumbnail(ctx context.Context, id string, image []byte) error
}

// TokenSource supplies a bearer credential for control API calls,
// refreshing it as needed.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticTokenSource returns the same token forever.
type StaticTokenSource string

// Token implements TokenSource.
func (s StaticTokenSource) Token(context.Context) (string, error) { return string(s), nil }

// refreshSkew renews cached tokens slightly before their reported expiry.
const refreshSkew = 30 * time.Second

// CachedTokenSource obtains bearer tokens from an OAuth-style token endpoint
// using client credentials and caches them until shortly before expiry.
type CachedTokenSource struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	Client       *http.Client

	mu     sync.Mutex
	token  string
	expiry time.Time
}

// Token implements TokenSource.
func (s *CachedTokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token != "" && time.Now().Before(s.expiry.Add(-refreshSkew)) {
		return s.token, nil
	}

	client := s.Client
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", s.ClientID)
	form.Set("client_secret", s.ClientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("refresh token: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("refresh token: status %d", resp.StatusCode)
	}

	var payload struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("refresh token: decode: %w", err)
	}
	if payload.AccessToken == "" {
		return "", fmt.Errorf("refresh token: empty access_token")
	}

	s.token = payload.AccessToken
	s.expiry = time.Now().Add(time.Duration(payload.ExpiresIn) * time.Second)
	return s.token, nil
}

// HTTPAPI implements API against an HTTP control endpoint.
type HTTPAPI struct {
	BaseURL string
	Tokens  TokenSource
	Client  *http.Client
}

type createRequest struct {
	Title          string    `json:"title"`
	ScheduledStart time.Time `json:"scheduledStart"`
}

type createResponse struct {
	BroadcastID string `json:"broadcastId"`
	IngestURL   string `json:"ingestUrl"`
}

type transitionRequest struct {
	State State `json:"state"`
}

type metadataRequest struct {
	Title string `json:"title"`
}

type ingestionResponse struct {
	Status IngestionStatus `json:"status"`
}

// CreateBroadcast implements API.
func (a *HTTPAPI) CreateBroadcast(ctx context.Context, title string, scheduledStart time.Time) (string, string, error) {
	var out createResponse
	err := a.do(ctx, http.MethodPost, "/v1/broadcasts", createRequest{Title: title, ScheduledStart: scheduledStart.UTC()}, &out)
	if err != nil {
		return "", "", err
	}
	if out.BroadcastID == "" || out.IngestURL == "" {
		return "", "", fmt.Errorf("create broadcast: incomplete response")
	}
	return out.BroadcastID, out.IngestURL, nil
}

// IngestionStatus implements API.
func (a *HTTPAPI) IngestionStatus(ctx context.Context, id string) (IngestionStatus, error) {
	var out ingestionResponse
	if err := a.do(ctx, http.MethodGet, "/v1/broadcasts/"+id+"/ingestion", nil, &out); err != nil {
		return IngestionInactive, err
	}
	if out.Status == IngestionActive {
		return IngestionActive, nil
	}
	return IngestionInactive, nil
}

// Transition implements API.
func (a *HTTPAPI) Transition(ctx context.Context, id string, target State) error {
	err := a.do(ctx, http.MethodPost, "/v1/broadcasts/"+id+"/transition", transitionRequest{State: target}, nil)
	if err != nil {
		var se *statusError
		if errors.As(err, &se) && (se.code == http.StatusConflict || se.code == http.StatusUnprocessableEntity) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, id, target)
		}
	}
	return err
}

// UpdateMetadata implements API.
func (a *HTTPAPI) UpdateMetadata(ctx context.Context, id, title string) error {
	return a.do(ctx, http.MethodPatch, "/v1/broadcasts/"+id, metadataRequest{Title: title}, nil)
}

// SetThumbnail implements API.
func (a *HTTPAPI) SetThumbnail(ctx context.Context, id string, image []byte) error {
	req, err := a.newRequest(ctx, http.MethodPut, "/v1/broadcasts/"+id+"/thumbnail", bytes.NewReader(image))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "image/jpeg")
	return a.send(req, nil)
}

func (a *HTTPAPI) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := a.newRequest(ctx, method, path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return a.send(req, out)
}

func (a *HTTPAPI) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(a.BaseURL, "/")+path, body)
	if err != nil {
		return nil, err
	}
	if a.Tokens != nil {
		token, err := a.Tokens.Token(ctx)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

func (a *HTTPAPI) send(req *http.Request, out any) error {
	client := a.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(body))}
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	if e.body == "" {
		return fmt.Sprintf("control api status %d", e.code)
	}
	return fmt.Sprintf("control api status %d: %s", e.code, e.body)
}

// Thumbnailer derives a thumbnail image from a video asset.
type Thumbnailer interface {
	Thumbnail(ctx context.Context, videoPath string) ([]byte, error)
}

// FFmpegThumbnailer extracts a single frame from the video with the encoder
// binary. Used best-effort: a failed extraction never fails session creation.
type FFmpegThumbnailer struct {
	// Path is the encoder binary; defaults to "ffmpeg" when empty.
	Path string
}

// Thumbnail implements Thumbnailer.
func (t *FFmpegThumbnailer) Thumbnail(ctx context.Context, videoPath string) ([]byte, error) {
	path := t.Path
	if path == "" {
		path = "ffmpeg"
	}
	var buf bytes.Buffer
	cmd := exec.CommandContext(ctx, path,
		"-loglevel", "error",
		"-ss", "3",
		"-i", videoPath,
		"-frames:v", "1",
		"-f", "mjpeg",
		"pipe:1",
	)
	cmd.Stdout = &buf
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("extract thumbnail: %w", err)
	}
	return buf.Bytes(), nil
}
