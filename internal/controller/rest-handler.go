package controller

import (
	"net/http"
)

// ServePoster proxies a poster image through the on-disk cache. A cache miss
// is served straight from upstream (proxy-through) while a background
// prefetch fills the cache for next time.
func (c *controller) ServePoster(w http.ResponseWriter, r *http.Request) {
	source := r.URL.Query().Get("source")
	path := r.URL.Query().Get("path")
	if source == "" || path == "" {
		http.Error(w, "source and path are required", http.StatusBadRequest)
		return
	}

	if data, ok := c.posters.Get(source, path); ok {
		w.Header().Set("Cache-Control", "public, max-age=86400")
		w.Header().Set("Content-Type", http.DetectContentType(data))
		w.Write(data)
		return
	}

	c.posters.Prefetch(source, path)

	data, err := c.posterFetch.FetchPoster(r.Context(), source, path)
	if err != nil {
		c.logger.WarnContext(r.Context(), "poster proxy-through failed", "source", source, "error", err)
		http.Error(w, "poster unavailable", http.StatusBadGateway)
		return
	}
	w.Header().Set("Content-Type", http.DetectContentType(data))
	w.Write(data)
}

func (c *controller) ServeHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}
