package replay

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// Fetcher downloads recordings from the server's recording endpoint.
type Fetcher struct {
	BaseURL string
	Token   string
	Client  *http.Client
}

// RecordingURL is the endpoint serving the raw recording for a session.
func (f *Fetcher) RecordingURL(sessionID string) string {
	return strings.TrimRight(f.BaseURL, "/") + "/api/v1/sessions/" + url.PathEscape(sessionID) + "/recording"
}

// Fetch downloads and parses a session recording. A "no recording" 404 or an
// empty body is ErrRecordingAbsent. An unknown session wraps both
// ErrLoadFailed and ErrSessionNotFound; every other failure wraps
// ErrLoadFailed.
func (f *Fetcher) Fetch(ctx context.Context, sessionID string) (*Recording, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.RecordingURL(sessionID), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLoadFailed, err)
	}
	if f.Token != "" {
		req.Header.Set("Authorization", "Bearer "+f.Token)
	}

	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLoadFailed, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		var body struct {
			Detail string `json:"detail"`
		}
		json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&body)
		if body.Detail == NoRecordingDetail {
			return nil, ErrRecordingAbsent
		}
		return nil, fmt.Errorf("%w: %w: %s", ErrLoadFailed, ErrSessionNotFound, sessionID)
	default:
		return nil, fmt.Errorf("%w: server returned %s", ErrLoadFailed, resp.Status)
	}
	return Load(resp.Body)
}
