package tokenx

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/lestrrat-go/jwx/v2/jwk"
)

// KeySource supplies the public keys used to verify token signatures.
type KeySource interface {
	KeySet(ctx context.Context) (jwk.Set, error)
}

// StaticKeys is a KeySource over a fixed key set.
type StaticKeys struct {
	set jwk.Set
}

// NewStaticKeys wraps the given public keys.
func NewStaticKeys(keys ...jwk.Key) (*StaticKeys, error) {
	set := jwk.NewSet()
	for _, key := range keys {
		if err := set.AddKey(key); err != nil {
			return nil, newError(ErrCodeInvalidArgument, fmt.Errorf("add key: %w", err))
		}
	}
	return &StaticKeys{set: set}, nil
}

// KeySet implements KeySource.
func (s *StaticKeys) KeySet(context.Context) (jwk.Set, error) {
	return s.set, nil
}

// RemoteKeys fetches and caches a JWKS document published by an issuer.
type RemoteKeys struct {
	cfg   RemoteKeysConfig
	cache *jwk.Cache
}

// NewRemoteKeys registers the JWKS URL with a refreshing cache.
// The cache lives until ctx is cancelled.
func NewRemoteKeys(ctx context.Context, cfg RemoteKeysConfig) (*RemoteKeys, error) {
	if err := cfg.validate(); err != nil {
		return nil, newError(ErrCodeInvalidArgument, err)
	}
	cfg.normalize()

	cache := jwk.NewCache(ctx)
	httpClient := &http.Client{
		Timeout: cfg.HTTPTimeout,
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
		},
	}
	if err := cache.Register(
		cfg.URL,
		jwk.WithMinRefreshInterval(cfg.MinRefresh),
		jwk.WithHTTPClient(httpClient),
	); err != nil {
		return nil, newError(ErrCodeInvalidArgument, fmt.Errorf("register jwks %q: %w", cfg.URL, err))
	}
	return &RemoteKeys{cfg: cfg, cache: cache}, nil
}

// Warmup forces a refresh of the key set.
func (r *RemoteKeys) Warmup(ctx context.Context) error {
	refreshCtx, cancel := context.WithTimeout(ctx, r.cfg.HTTPTimeout)
	defer cancel()
	if _, err := r.cache.Refresh(refreshCtx, r.cfg.URL); err != nil {
		return newError(ErrCodeKeysUnavailable, err)
	}
	return nil
}

// KeySet implements KeySource.
func (r *RemoteKeys) KeySet(ctx context.Context) (jwk.Set, error) {
	set, err := r.cache.Get(ctx, r.cfg.URL)
	if err != nil {
		return nil, newError(ErrCodeKeysUnavailable, err)
	}
	return set, nil
}

// keySetHandler serves a key set as a JWKS document.
type keySetHandler struct {
	source KeySource
}

func (h keySetHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}
	set, err := h.source.KeySet(r.Context())
	if err != nil {
		http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		return
	}
	payload, err := json.Marshal(set)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/jwk-set+json")
	w.Header().Set("Cache-Control", "max-age=300")
	_, _ = w.Write(payload)
}
