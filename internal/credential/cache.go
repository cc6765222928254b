// Package credential caches bearer tokens issued by outbound identity providers.
//
// Each outbound integration owns its own Cache; caches never share state.
package credential

import (
	"context"
	"sync"
	"time"

	"github.com/go-faster/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/ukydev/fleet-assistance/internal/metrics"
)

const (
	// DefaultMargin is subtracted from the issuer's stated lifetime at fetch time.
	DefaultMargin = 30 * time.Second
	// DefaultFetchTimeout bounds one call to the issuer.
	DefaultFetchTimeout = 10 * time.Second
)

// Issuer exchanges client credentials for a bearer token valid for expiresIn seconds.
type Issuer interface {
	FetchToken(ctx context.Context, clientID, clientSecret string) (accessToken string, expiresIn int64, err error)
}

// IssuerFunc adapts a function to Issuer.
type IssuerFunc func(ctx context.Context, clientID, clientSecret string) (string, int64, error)

func (f IssuerFunc) FetchToken(ctx context.Context, clientID, clientSecret string) (string, int64, error) {
	return f(ctx, clientID, clientSecret)
}

// Credential is a cached token. ExpiresAt already has the safety margin applied.
type Credential struct {
	AccessToken string
	ExpiresAt   time.Time
}

// Options configures a Cache.
type Options struct {
	// Source names the integration in logs and metrics.
	Source       string
	ClientID     string
	ClientSecret string
	// Margin defaults to DefaultMargin when zero.
	Margin time.Duration
	// FetchTimeout defaults to DefaultFetchTimeout when zero. The fetch runs
	// detached from the caller that started it, so one caller giving up does
	// not fail the others waiting on the same fetch.
	FetchTimeout time.Duration
	Now          func() time.Time
	Metrics      *metrics.Recorder
	Logger       *log.Entry
}

// Cache returns the cached token until it reaches its margin-adjusted expiry,
// then refreshes it synchronously. Concurrent callers that find the token
// expired share a single fetch.
type Cache struct {
	issuer  Issuer
	opts    Options
	log     *log.Entry
	mu      sync.RWMutex
	current *Credential
	group   singleflight.Group
}

// NewCache wraps issuer. No token is fetched until the first GetToken.
func NewCache(issuer Issuer, opts Options) *Cache {
	if opts.Margin == 0 {
		opts.Margin = DefaultMargin
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = DefaultFetchTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	return &Cache{
		issuer: issuer,
		opts:   opts,
		log:    logger.WithField("source", opts.Source),
	}
}

// GetToken returns a bearer token that is valid for at least the margin.
func (c *Cache) GetToken(ctx context.Context) (string, error) {
	if cred, ok := c.cached(); ok {
		return cred.AccessToken, nil
	}

	ch := c.group.DoChan("token", func() (any, error) {
		// another caller may have refreshed while this one waited on the group
		if cred, ok := c.cached(); ok {
			return cred, nil
		}
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.FetchTimeout)
		defer cancel()
		return c.refresh(fetchCtx)
	})
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(*Credential).AccessToken, nil
	}
}

// Invalidate drops the cached token so the next call fetches a new one.
// Clients call it after the remote side rejects a token early.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.current = nil
	c.mu.Unlock()
}

func (c *Cache) cached() (*Credential, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.current == nil || !c.opts.Now().Before(c.current.ExpiresAt) {
		return nil, false
	}
	return c.current, true
}

func (c *Cache) refresh(ctx context.Context) (*Credential, error) {
	fetchedAt := c.opts.Now()
	token, expiresIn, err := c.issuer.FetchToken(ctx, c.opts.ClientID, c.opts.ClientSecret)
	if err == nil && token == "" {
		err = errors.New("issuer returned an empty token")
	}
	c.opts.Metrics.CredentialRefresh(c.opts.Source, err)
	if err != nil {
		c.log.WithError(err).Error("Failed to fetch credential")
		return nil, errors.Wrapf(err, "fetch %s credential", c.opts.Source)
	}

	cred := &Credential{
		AccessToken: token,
		ExpiresAt:   fetchedAt.Add(time.Duration(expiresIn)*time.Second - c.opts.Margin),
	}
	c.mu.Lock()
	c.current = cred
	c.mu.Unlock()

	c.log.WithFields(log.Fields{
		"expires_in": expiresIn,
		"expires_at": cred.ExpiresAt,
	}).Debug("Credential refreshed")
	return cred, nil
}
