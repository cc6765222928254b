package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-faster/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/ukydev/fleet-assistance/internal/credential"
)

// TokenSource supplies bearer tokens. *credential.Cache implements it.
type TokenSource interface {
	GetToken(ctx context.Context) (string, error)
	Invalidate()
}

var _ TokenSource = (*credential.Cache)(nil)

// ClientOptions configures an authenticated JSON client.
type ClientOptions struct {
	BaseURL string
	Tokens  TokenSource
	// RequestsPerSecond caps outbound calls. Zero disables the limit.
	RequestsPerSecond float64
	Timeout           time.Duration
	HTTPClient        *http.Client
	Logger            *log.Entry
}

type apiClient struct {
	baseURL string
	tokens  TokenSource
	limiter *rate.Limiter
	http    *http.Client
	log     *log.Entry
}

func newAPIClient(opts ClientOptions) *apiClient {
	limiter := rate.NewLimiter(rate.Inf, 1)
	if opts.RequestsPerSecond > 0 {
		burst := int(opts.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	return &apiClient{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		tokens:  opts.Tokens,
		limiter: limiter,
		http:    httpClient,
		log:     logger,
	}
}

// statusError is a non-2xx response.
type statusError struct {
	Status int
	Body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.Status, e.Body)
}

// do sends a JSON request. A 401 invalidates the cached token and the call is
// repeated once with a fresh one.
func (c *apiClient) do(ctx context.Context, method, path string, in, out any) error {
	var payload []byte
	if in != nil {
		var err error
		if payload, err = json.Marshal(in); err != nil {
			return errors.Wrap(err, "encode request")
		}
	}

	for attempt := 0; ; attempt++ {
		status, body, err := c.send(ctx, method, path, payload)
		if err != nil {
			return err
		}
		if status == http.StatusUnauthorized && attempt == 0 && c.tokens != nil {
			c.log.WithField("path", path).Warn("Token rejected, refreshing")
			c.tokens.Invalidate()
			continue
		}
		if status < 200 || status >= 300 {
			return &statusError{Status: status, Body: truncate(string(body), 200)}
		}
		if out == nil || len(body) == 0 {
			return nil
		}
		if err := json.Unmarshal(body, out); err != nil {
			return errors.Wrap(err, "decode response")
		}
		return nil
	}
}

func (c *apiClient) send(ctx context.Context, method, path string, payload []byte) (int, []byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, nil, errors.Wrap(err, "rate limit")
	}
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return 0, nil, errors.Wrap(err, "build request")
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.tokens != nil {
		token, err := c.tokens.GetToken(ctx)
		if err != nil {
			return 0, nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, errors.Wrapf(err, "%s %s", method, path)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, nil, errors.Wrap(err, "read response")
	}
	return resp.StatusCode, data, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// AssetDirectoryClient queries the fleet asset directory over HTTP.
type AssetDirectoryClient struct {
	api *apiClient
}

func NewAssetDirectoryClient(opts ClientOptions) *AssetDirectoryClient {
	return &AssetDirectoryClient{api: newAPIClient(opts)}
}

func (c *AssetDirectoryClient) FindByChassis(ctx context.Context, chassis string) (*Asset, error) {
	var assets []Asset
	err := c.api.do(ctx, http.MethodGet, "/assets?chassis="+url.QueryEscape(chassis), nil, &assets)
	var se *statusError
	if errors.As(err, &se) && se.Status == http.StatusNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "asset directory")
	}
	if len(assets) == 0 {
		return nil, nil
	}
	return &assets[0], nil
}

// TicketingClient opens tickets in the support system over HTTP.
type TicketingClient struct {
	api *apiClient
}

func NewTicketingClient(opts ClientOptions) *TicketingClient {
	return &TicketingClient{api: newAPIClient(opts)}
}

func (c *TicketingClient) CreateTicket(ctx context.Context, req TicketRequest) (string, error) {
	var resp struct {
		TicketNumber string `json:"ticketNumber"`
	}
	if err := c.api.do(ctx, http.MethodPost, "/tickets", req, &resp); err != nil {
		return "", errors.Wrap(err, "ticketing")
	}
	if resp.TicketNumber == "" {
		return "", errors.New("ticketing returned no ticket number")
	}
	return resp.TicketNumber, nil
}
