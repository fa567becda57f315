package controller

import (
	"context"
	"log/slog"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swipearr/server/internal/discovery"
	"github.com/swipearr/server/internal/domain"
	"github.com/swipearr/server/internal/postercache"
	"github.com/swipearr/server/internal/provider"
	"github.com/swipearr/server/internal/session"
	"github.com/swipearr/server/internal/store"
)

type fakeSource struct{}

func (fakeSource) FetchPage(ctx context.Context, filters *domain.Filters, page int) ([]domain.MovieSummary, error) {
	if page > 1 {
		return nil, nil
	}
	return []domain.MovieSummary{
		{Guid: "tmdb://27205", Title: "Inception", Year: 2010},
		{Guid: "tmdb://603", Title: "The Matrix", Year: 1999},
	}, nil
}

func (fakeSource) FetchLibraryCandidate(ctx context.Context, filters *domain.Filters) (*domain.MovieSummary, error) {
	return nil, provider.ErrExhausted
}

type fakeEnricher struct{}

func (fakeEnricher) Enrich(ctx context.Context, req provider.EnrichRequest) (*provider.Enrichment, error) {
	return &provider.Enrichment{PosterURL: "https://image.tmdb.org/" + req.Title}, nil
}

type fakeAvailability struct{ ready bool }

func (f fakeAvailability) Ready() bool { return f.ready }
func (f fakeAvailability) InLibrary(ctx context.Context, q provider.AvailabilityQuery) (bool, error) {
	return false, nil
}
func (f fakeAvailability) InRequestQueue(ctx context.Context, tmdbId int64) (bool, error) {
	return false, nil
}

type fakeFetcher struct{}

func (fakeFetcher) FetchPoster(ctx context.Context, source, path string) ([]byte, error) {
	return []byte("poster-bytes"), nil
}

func newTestServer(t *testing.T, secret string) *httptest.Server {
	t.Helper()
	logger := slog.Default()
	src := fakeSource{}
	registry, err := session.NewRegistry(session.Deps{
		Logger:       logger,
		Store:        store.New(filepath.Join(t.TempDir(), "state.json"), logger),
		Discovery:    discovery.New(src, logger, discovery.Config{}),
		Source:       src,
		Enricher:     fakeEnricher{},
		Availability: fakeAvailability{ready: true},
		BatchSize:    10,
	})
	require.NoError(t, err)

	posters, err := postercache.New(t.TempDir(), 1<<20, fakeFetcher{}, logger)
	require.NoError(t, err)

	ctrl := NewController(registry, fakeAvailability{ready: true}, posters, fakeFetcher{}, logger, Config{Secret: secret})
	server := httptest.NewServer(ctrl.Mux())
	t.Cleanup(server.Close)
	return server
}

type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type client struct {
	t    *testing.T
	conn *websocket.Conn
}

func dial(t *testing.T, server *httptest.Server) *client {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/api/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &client{t: t, conn: conn}
}

func (c *client) send(messageType string, payload any) {
	c.t.Helper()
	require.NoError(c.t, c.conn.WriteJSON(map[string]any{"type": messageType, "payload": payload}))
}

func (c *client) read() *envelope {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var env envelope
	require.NoError(c.t, c.conn.ReadJSON(&env))
	return &env
}

// readUntil skips intermediate messages until one of the wanted type arrives.
func (c *client) readUntil(messageType string) *envelope {
	c.t.Helper()
	for i := 0; i < 10; i++ {
		env := c.read()
		if env.Type == messageType {
			return env
		}
	}
	c.t.Fatalf("never received %s", messageType)
	return nil
}

func (c *client) login(name, roomCode, secret string) *LoginResponse {
	c.t.Helper()
	c.send("login", map[string]string{"name": name, "roomCode": roomCode, "sharedSecret": secret})
	env := c.read()
	require.Equal(c.t, "loginResponse", env.Type)
	var resp LoginResponse
	require.NoError(c.t, json.Unmarshal(env.Payload, &resp))
	return &resp
}

func TestLoginGeneratesRoomCode(t *testing.T) {
	server := newTestServer(t, "")
	alice := dial(t, server)
	resp := alice.login("Alice", "", "")
	require.True(t, resp.Success)
	assert.Len(t, resp.RoomCode, 4)
}

func TestLoginRejectsBadSecret(t *testing.T) {
	server := newTestServer(t, "s3cret")
	alice := dial(t, server)
	resp := alice.login("Alice", "AB12", "wrong")
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "secret")
}

func TestLoginRejectsDuplicateActiveName(t *testing.T) {
	server := newTestServer(t, "")
	first := dial(t, server)
	require.True(t, first.login("Alice", "AB12", "").Success)

	second := dial(t, server)
	resp := second.login("Alice", "AB12", "")
	assert.False(t, resp.Success)
}

func TestMatchFlowOverWebsocket(t *testing.T) {
	server := newTestServer(t, "")

	alice := dial(t, server)
	require.True(t, alice.login("Alice", "AB12", "").Success)
	bob := dial(t, server)
	require.True(t, bob.login("Bob", "AB12", "").Success)

	alice.send("response", map[string]any{"guid": "tmdb://27205", "wantsToWatch": true})
	bob.send("response", map[string]any{"guid": "tmdb://27205", "wantsToWatch": true})

	for _, c := range []*client{alice, bob} {
		env := c.readUntil("match")
		var match domain.Match
		require.NoError(t, json.Unmarshal(env.Payload, &match))
		assert.ElementsMatch(t, []string{"Alice", "Bob"}, match.Users)
	}

	// withdrawal removes the match on both ends
	bob.send("response", map[string]any{"guid": "tmdb://27205", "wantsToWatch": false})
	alice.readUntil("matchRemoved")
	bob.readUntil("matchRemoved")
}

func TestNextBatchDeliversMovies(t *testing.T) {
	server := newTestServer(t, "")
	alice := dial(t, server)
	require.True(t, alice.login("Alice", "AB12", "").Success)

	alice.send("nextBatch", map[string]any{})
	env := alice.readUntil("batch")
	var movies []*domain.MediaItem
	require.NoError(t, json.Unmarshal(env.Payload, &movies))
	require.Len(t, movies, 2)
	assert.Equal(t, "Inception", movies[0].Title)
}

func TestReloginReplaysRatedState(t *testing.T) {
	server := newTestServer(t, "")
	alice := dial(t, server)
	require.True(t, alice.login("Alice", "AB12", "").Success)
	alice.send("nextBatch", map[string]any{})
	alice.readUntil("batch")
	alice.send("response", map[string]any{"guid": "tmdb://27205", "wantsToWatch": true})

	// responses are processed in arrival order, so a follow-up batch request
	// acts as a barrier before disconnecting
	alice.send("nextBatch", map[string]any{})
	alice.readUntil("batch")
	alice.conn.Close()

	again := dial(t, server)
	resp := again.login("Alice", "AB12", "")
	require.True(t, resp.Success)
	assert.Contains(t, resp.Rated, "tmdb://27205")
	require.Len(t, resp.Movies, 1)
	assert.Equal(t, "Inception", resp.Movies[0].Title)
}

func TestMalformedMessageKeepsConnectionOpen(t *testing.T) {
	server := newTestServer(t, "")
	alice := dial(t, server)
	require.True(t, alice.login("Alice", "AB12", "").Success)

	require.NoError(t, alice.conn.WriteMessage(websocket.TextMessage, []byte("{not json")))

	// the connection still works
	alice.send("nextBatch", map[string]any{})
	alice.readUntil("batch")
}

func TestPosterProxyThrough(t *testing.T) {
	server := newTestServer(t, "")
	resp, err := server.Client().Get(server.URL + "/api/poster?source=plex&path=/library/thumb/1")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, 200, resp.StatusCode)
}
