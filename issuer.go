package tokenx

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

// Issuer memoizes signed tokens per descriptor.
//
// A cached token is served while its expiry is more than the refresh margin
// away; otherwise a new token is minted with a fresh validity window. No
// lock is held while the signer runs, so concurrent callers for a new
// descriptor may each mint unless single-flight is enabled; the last store
// wins.
type Issuer struct {
	signer  Signer
	store   Store
	cfg     IssuerConfig
	now     func() time.Time
	logger  *slog.Logger
	metrics *instruments
	group   singleflight.Group

	owned     closer
	stop      chan struct{}
	sweepDone chan struct{}
	closeOnce sync.Once
}

type closer interface {
	Close() error
}

type sweeper interface {
	Sweep(cutoff time.Time) int
}

type issuerOptions struct {
	cfg           IssuerConfig
	store         Store
	now           func() time.Time
	logger        *slog.Logger
	meterProvider metric.MeterProvider
}

// IssuerOption customizes an Issuer.
type IssuerOption func(*issuerOptions)

// WithLifetime sets the validity window stamped on minted tokens.
func WithLifetime(d time.Duration) IssuerOption {
	return func(o *issuerOptions) {
		o.cfg.Lifetime = d
	}
}

// WithRefreshMargin sets how long before expiry a cached token stops being served.
func WithRefreshMargin(d time.Duration) IssuerOption {
	return func(o *issuerOptions) {
		o.cfg.RefreshMargin = d
	}
}

// WithMaxEntries bounds the cache with a fixed-capacity store.
func WithMaxEntries(n int) IssuerOption {
	return func(o *issuerOptions) {
		o.cfg.MaxEntries = n
	}
}

// WithSweepInterval periodically removes entries that can no longer be served.
func WithSweepInterval(d time.Duration) IssuerOption {
	return func(o *issuerOptions) {
		o.cfg.SweepInterval = d
	}
}

// WithSingleFlight makes concurrent callers for the same descriptor await a single mint.
func WithSingleFlight(enabled bool) IssuerOption {
	return func(o *issuerOptions) {
		o.cfg.SingleFlight = enabled
	}
}

// WithStore supplies the cache backing the issuer.
func WithStore(store Store) IssuerOption {
	return func(o *issuerOptions) {
		o.store = store
	}
}

// WithClock overrides the time source used to stamp and check validity windows.
// A KeySigner takes iat from the stamped window, so its own clock need not match.
func WithClock(now func() time.Time) IssuerOption {
	return func(o *issuerOptions) {
		if now != nil {
			o.now = now
		}
	}
}

// WithLogger sets the logger used by the issuer.
func WithLogger(logger *slog.Logger) IssuerOption {
	return func(o *issuerOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMeterProvider sets the OpenTelemetry meter provider for cache metrics.
func WithMeterProvider(provider metric.MeterProvider) IssuerOption {
	return func(o *issuerOptions) {
		o.meterProvider = provider
	}
}

// NewIssuer wraps signer with a token cache.
func NewIssuer(signer Signer, opts ...IssuerOption) (*Issuer, error) {
	if signer == nil {
		return nil, newError(ErrCodeInvalidArgument, errors.New("signer is required"))
	}
	o := issuerOptions{now: time.Now, logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	o.cfg.normalize()
	if err := o.cfg.validate(); err != nil {
		return nil, newError(ErrCodeInvalidArgument, err)
	}
	if o.store != nil && o.cfg.MaxEntries > 0 {
		return nil, newError(ErrCodeInvalidArgument, errors.New("a custom store cannot be combined with max entries"))
	}

	metrics, err := newInstruments(o.meterProvider)
	if err != nil {
		return nil, err
	}

	i := &Issuer{
		signer:  signer,
		store:   o.store,
		cfg:     o.cfg,
		now:     o.now,
		logger:  o.logger,
		metrics: metrics,
	}
	switch {
	case i.store != nil:
	case o.cfg.MaxEntries > 0:
		bounded, err := NewBoundedStore(o.cfg.MaxEntries)
		if err != nil {
			return nil, err
		}
		bounded.now = o.now
		bounded.logger = o.logger
		i.store = bounded
		i.owned = bounded
	default:
		i.store = NewMemoryStore()
	}

	if o.cfg.SweepInterval > 0 {
		if _, ok := i.store.(sweeper); !ok {
			return nil, newError(ErrCodeInvalidArgument, errors.New("store does not support sweeping"))
		}
		i.stop = make(chan struct{})
		i.sweepDone = make(chan struct{})
		go i.sweepLoop(o.cfg.SweepInterval)
	}
	return i, nil
}

// GetOrIssue returns a cached token for the descriptor, minting a new one
// when none is cached or the cached one is about to expire. The validity
// window of d is ignored; the issuer stamps its own.
//
// Signer errors are returned unchanged and leave the cache untouched.
func (i *Issuer) GetOrIssue(ctx context.Context, d TokenDescriptor, params ValidationParameters) (string, error) {
	entry, err := i.getOrIssue(ctx, d, params)
	if err != nil {
		return "", err
	}
	return entry.Token, nil
}

func (i *Issuer) getOrIssue(ctx context.Context, d TokenDescriptor, params ValidationParameters) (Entry, error) {
	key := Fingerprint(d)
	if entry, ok := i.lookup(key); ok {
		i.metrics.hit(ctx)
		return entry, nil
	}
	i.metrics.miss(ctx)

	if !i.cfg.SingleFlight {
		return i.mint(ctx, key, d, params)
	}

	// The shared mint outlives any single caller's cancellation and is
	// stored even when every waiter has gone, so the next caller hits.
	flightCtx := context.WithoutCancel(ctx)
	ch := i.group.DoChan(key, func() (any, error) {
		if entry, ok := i.lookup(key); ok {
			return entry, nil
		}
		return i.mint(flightCtx, key, d, params)
	})
	select {
	case <-ctx.Done():
		return Entry{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Entry{}, res.Err
		}
		return res.Val.(Entry), nil
	}
}

func (i *Issuer) lookup(key string) (Entry, bool) {
	entry, ok := i.store.Load(key)
	if !ok {
		return Entry{}, false
	}
	if !entry.Window.NotAfter.After(i.now().Add(i.cfg.RefreshMargin)) {
		return Entry{}, false
	}
	return entry, true
}

type mintResult struct {
	token  string
	expiry time.Time
	err    error
}

func (i *Issuer) mint(ctx context.Context, key string, d TokenDescriptor, params ValidationParameters) (Entry, error) {
	now := i.now()
	d.Window = Window{NotBefore: now, NotAfter: now.Add(i.cfg.Lifetime)}

	started := time.Now()
	done := make(chan mintResult, 1)
	go func() {
		if es, ok := i.signer.(ExpiringSigner); ok {
			token, expiry, err := es.IssueWithExpiry(ctx, d, params)
			done <- mintResult{token: token, expiry: expiry, err: err}
			return
		}
		token, err := i.signer.Issue(ctx, d, params)
		done <- mintResult{token: token, err: err}
	}()

	select {
	case <-ctx.Done():
		i.metrics.abandoned(ctx, started)
		i.logger.Warn("token mint abandoned",
			slog.String("fingerprint", shortKey(key)),
			slog.String("error", ctx.Err().Error()),
		)
		return Entry{}, ctx.Err()
	case res := <-done:
		i.metrics.minted(ctx, started, res.err)
		if res.err != nil {
			i.logger.Warn("token mint failed",
				slog.String("fingerprint", shortKey(key)),
				slog.String("audience", d.Audience),
				slog.String("error", res.err.Error()),
			)
			return Entry{}, res.err
		}
		entry := Entry{Token: res.token, Window: d.Window}
		if !res.expiry.IsZero() && res.expiry.Before(entry.Window.NotAfter) {
			entry.Window.NotAfter = res.expiry
		}
		i.store.Store(key, entry)
		i.logger.Debug("token minted",
			slog.String("fingerprint", shortKey(key)),
			slog.String("audience", d.Audience),
			slog.Time("expires_at", entry.Window.NotAfter),
		)
		return entry, nil
	}
}

// Sweep drops entries that can no longer be served and reports how many
// were removed. Stores without sweep support report zero.
func (i *Issuer) Sweep() int {
	sw, ok := i.store.(sweeper)
	if !ok {
		return 0
	}
	return sw.Sweep(i.now().Add(i.cfg.RefreshMargin))
}

func (i *Issuer) sweepLoop(interval time.Duration) {
	defer close(i.sweepDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-i.stop:
			return
		case <-ticker.C:
			if removed := i.Sweep(); removed > 0 {
				i.logger.Debug("token cache swept", slog.Int("removed", removed))
			}
		}
	}
}

// Close stops background sweeping and releases a store owned by the issuer.
func (i *Issuer) Close() error {
	var err error
	i.closeOnce.Do(func() {
		if i.stop != nil {
			close(i.stop)
			<-i.sweepDone
		}
		if i.owned != nil {
			err = i.owned.Close()
		}
	})
	return err
}

// TokenSource adapts the issuer to an oauth2.TokenSource for the given
// descriptor, so oauth2.NewClient attaches the token as a bearer credential.
func (i *Issuer) TokenSource(ctx context.Context, d TokenDescriptor, params ValidationParameters) oauth2.TokenSource {
	if ctx == nil {
		ctx = context.Background()
	}
	return &issuerTokenSource{ctx: ctx, issuer: i, descriptor: d, params: params}
}

type issuerTokenSource struct {
	ctx        context.Context
	issuer     *Issuer
	descriptor TokenDescriptor
	params     ValidationParameters
}

func (s *issuerTokenSource) Token() (*oauth2.Token, error) {
	entry, err := s.issuer.getOrIssue(s.ctx, s.descriptor, s.params)
	if err != nil {
		return nil, err
	}
	return &oauth2.Token{
		AccessToken: entry.Token,
		TokenType:   "Bearer",
		Expiry:      entry.Window.NotAfter,
	}, nil
}

func shortKey(key string) string {
	if len(key) > 12 {
		return key[:12]
	}
	return key
}
