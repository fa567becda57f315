package provider

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"

	"github.com/swipearr/server/internal/domain"
)

// HTTPClient implements the provider contracts against the metadata gateway,
// the sidecar that fronts the library, catalog and request services.
type HTTPClient struct {
	baseURL string
	client  *http.Client

	ready atomic.Bool
}

func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *HTTPClient) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return ErrExhausted
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned %d", path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func filtersQuery(filters *domain.Filters) url.Values {
	q := url.Values{}
	if filters != nil {
		encoded, _ := json.Marshal(filters)
		q.Set("filters", string(encoded))
	}
	return q
}

func (c *HTTPClient) FetchPage(ctx context.Context, filters *domain.Filters, page int) ([]domain.MovieSummary, error) {
	q := filtersQuery(filters)
	q.Set("page", strconv.Itoa(page))
	var out []domain.MovieSummary
	if err := c.getJSON(ctx, "/discover", q, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *HTTPClient) FetchLibraryCandidate(ctx context.Context, filters *domain.Filters) (*domain.MovieSummary, error) {
	var out domain.MovieSummary
	if err := c.getJSON(ctx, "/library/next", filtersQuery(filters), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) Enrich(ctx context.Context, req EnrichRequest) (*Enrichment, error) {
	body, err := json.Marshal(map[string]any{
		"title":      req.Title,
		"year":       req.Year,
		"nativeGuid": req.NativeGuid,
		"tmdbId":     req.TmdbId,
	})
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/enrich", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("enrich returned %d", resp.StatusCode)
	}
	var out Enrichment
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Ready probes the gateway's availability cache once and remembers success.
func (c *HTTPClient) Ready() bool {
	if c.ready.Load() {
		return true
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.getJSON(ctx, "/ready", nil, nil); err != nil {
		return false
	}
	c.ready.Store(true)
	return true
}

func (c *HTTPClient) InLibrary(ctx context.Context, query AvailabilityQuery) (bool, error) {
	q := url.Values{}
	if query.TmdbId != nil {
		q.Set("tmdbId", strconv.FormatInt(*query.TmdbId, 10))
	}
	q.Set("guid", query.Guid)
	q.Set("title", query.Title)
	q.Set("year", strconv.Itoa(query.Year))
	var out struct {
		InLibrary bool `json:"inLibrary"`
	}
	if err := c.getJSON(ctx, "/library/contains", q, &out); err != nil {
		return false, err
	}
	return out.InLibrary, nil
}

func (c *HTTPClient) InRequestQueue(ctx context.Context, tmdbId int64) (bool, error) {
	q := url.Values{}
	q.Set("tmdbId", strconv.FormatInt(tmdbId, 10))
	var out struct {
		Queued bool `json:"queued"`
	}
	if err := c.getJSON(ctx, "/requests/contains", q, &out); err != nil {
		return false, err
	}
	return out.Queued, nil
}

func (c *HTTPClient) RequestMovie(ctx context.Context, tmdbId int64) (RequestResult, error) {
	body, _ := json.Marshal(map[string]int64{"tmdbId": tmdbId})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/requests", bytes.NewReader(body))
	if err != nil {
		return RequestResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return RequestResult{}, err
	}
	defer resp.Body.Close()
	var out RequestResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return RequestResult{}, err
	}
	return out, nil
}

func (c *HTTPClient) FetchPoster(ctx context.Context, source, path string) ([]byte, error) {
	q := url.Values{}
	q.Set("source", source)
	q.Set("path", path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/poster?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("poster fetch returned %d", resp.StatusCode)
	}
	buf := new(bytes.Buffer)
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
