package media

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	searchLimit   = 5
	searchTimeout = 10 * time.Second

	// songURLFmt is the host's stable outer-link endpoint. Search results
	// only carry track IDs; this turns an ID into a fetchable stream.
	songURLFmt = "https://music.163.com/song/media/outer/url?id=%d.mp3"
)

// ErrNoResults is returned when a search query matches nothing playable.
var ErrNoResults = errors.New("media: no search results")

// Track is one playable search result.
type Track struct {
	ID      int64
	Name    string
	Artists []string
	URL     string
}

// Searcher resolves free-text queries against a music search API.
type Searcher struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewSearcher builds a search client for the given API endpoint. apiKey may
// be empty for endpoints that do not require one.
func NewSearcher(baseURL, apiKey string, client *http.Client) (*Searcher, error) {
	if baseURL == "" {
		return nil, errors.New("media: search URL is required")
	}
	if client == nil {
		client = &http.Client{Timeout: searchTimeout}
	}
	return &Searcher{baseURL: baseURL, apiKey: apiKey, client: client}, nil
}

type searchResponse struct {
	Result struct {
		Songs []struct {
			ID      int64  `json:"id"`
			Name    string `json:"name"`
			Artists []struct {
				Name string `json:"name"`
			} `json:"artists"`
		} `json:"songs"`
	} `json:"result"`
}

// Search returns the best match for query. The first result of a small
// result page is used, matching how a single voice command resolves to one
// track.
func (s *Searcher) Search(ctx context.Context, query string) (*Track, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("%w: empty query", ErrNoResults)
	}

	q := url.Values{}
	q.Set("s", query)
	q.Set("type", "1")
	q.Set("limit", fmt.Sprint(searchLimit))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("media: build search request: %w", err)
	}
	req.Header.Set("User-Agent", browserUA)
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("media: search %q: %w", query, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("media: search %q: status %d", query, resp.StatusCode)
	}

	var parsed searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("media: decode search response: %w", err)
	}
	if len(parsed.Result.Songs) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrNoResults, query)
	}

	song := parsed.Result.Songs[0]
	track := &Track{
		ID:   song.ID,
		Name: song.Name,
		URL:  fmt.Sprintf(songURLFmt, song.ID),
	}
	for _, a := range song.Artists {
		track.Artists = append(track.Artists, a.Name)
	}
	return track, nil
}
