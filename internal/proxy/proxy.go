// Package proxy runs a read-through cache peer for the CAS: object reads
// are served from the local store when present and fetched from an upstream
// engine on miss. Fetched bytes are re-hashed before they are served or
// committed, so a misbehaving upstream cannot poison the local store.
package proxy

import (
	"context"
	"crypto/subtle"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"reprorun/internal/cas"
	"reprorun/internal/digest"
)

// CachePeer serves GET /cas/{digest} with local-first, upstream-fallback
// semantics.
type CachePeer struct {
	server   *http.Server
	store    *cas.Store
	eng      *digest.Engine
	upstream string
	apiKey   string // presented to the upstream
	secret   string // shared secret local clients must present, empty disables the check
	client   *http.Client
	addr     string
}

// New creates a CachePeer listening on the loopback interface. upstream is
// the base URL of another engine's API, e.g. http://peer:8080.
func New(port int, store *cas.Store, eng *digest.Engine, upstream, apiKey, secret string) *CachePeer {
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	cp := &CachePeer{
		store:    store,
		eng:      eng,
		upstream: upstream,
		apiKey:   apiKey,
		secret:   secret,
		client:   &http.Client{Timeout: 30 * time.Second},
		addr:     addr,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /cas/{digest}", cp.handleGet)

	cp.server = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return cp
}

func (cp *CachePeer) handleGet(w http.ResponseWriter, r *http.Request) {
	if cp.secret != "" {
		presented := r.Header.Get("x-api-key")
		if subtle.ConstantTimeCompare([]byte(presented), []byte(cp.secret)) != 1 {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
	}

	dg := r.PathValue("digest")
	if data, err := cp.store.Get(dg); err == nil {
		serveBlob(w, data)
		return
	} else if !cas.IsNotFound(err) {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	data, err := cp.fetch(r.Context(), dg)
	if err != nil {
		log.Warn().Err(err).Str("digest", dg).Msg("upstream fetch failed")
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	if _, err := cp.store.Put(data); err != nil {
		log.Error().Err(err).Str("digest", dg).Msg("caching fetched object")
	}
	serveBlob(w, data)
}

// fetch pulls an object from the upstream and verifies its digest before
// anything downstream can see it.
func (cp *CachePeer) fetch(ctx context.Context, dg string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cp.upstream+"/cas/"+dg, nil)
	if err != nil {
		return nil, err
	}
	if cp.apiKey != "" {
		req.Header.Set("X-API-Key", cp.apiKey)
	}

	resp, err := cp.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("upstream returned status %d for %s", resp.StatusCode, dg)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading upstream body: %w", err)
	}
	if got := cp.eng.Sum(digest.DomainCAS, data); got != dg {
		return nil, fmt.Errorf("upstream object failed verification: got %s, want %s", got, dg)
	}
	return data, nil
}

func serveBlob(w http.ResponseWriter, data []byte) {
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// Start begins listening. It returns an error if the bind fails.
// The server runs in a background goroutine.
func (cp *CachePeer) Start() error {
	ln, err := net.Listen("tcp", cp.addr)
	if err != nil {
		return fmt.Errorf("cache peer listen: %w", err)
	}
	go func() {
		_ = cp.server.Serve(ln) // returns on Close/Shutdown
	}()
	log.Info().Str("addr", cp.addr).Str("upstream", cp.upstream).Msg("cache peer listening")
	return nil
}

// Close gracefully shuts down the peer.
func (cp *CachePeer) Close(ctx context.Context) error {
	return cp.server.Shutdown(ctx)
}
