// Package centralclient makes one-shot HTTP calls to the central record store.
// Calls never retry; a failed call is reported to the caller, which decides
// whether the update is presented again.
package centralclient

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/rxsync/rxsync/internal/domain/patient"
	"github.com/rxsync/rxsync/internal/platform/auth"
)

const DefaultTimeout = 30 * time.Second

// Result is central's response. Any status, including 4xx and 5xx, is a Result.
type Result struct {
	StatusCode int
	Body       []byte
}

// Gateway is the set of calls central accepts.
type Gateway interface {
	Create(ctx context.Context, rec patient.Record) (*Result, error)
	Update(ctx context.Context, rec patient.Record) (*Result, error)
	Get(ctx context.Context, id patient.ID) (*Result, error)
	Delete(ctx context.Context, id patient.ID) (*Result, error)
}

type Config struct {
	BaseURL    string
	Timeout    time.Duration
	PharmacyID string
	// JWTSecret enables bearer service tokens when set.
	JWTSecret string
	// Transport defaults to an otelhttp-instrumented http.DefaultTransport.
	Transport http.RoundTripper
}

type Client struct {
	http   *resty.Client
	logger zerolog.Logger
}

func New(cfg Config, logger zerolog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Transport == nil {
		cfg.Transport = otelhttp.NewTransport(http.DefaultTransport)
	}

	rc := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetTransport(cfg.Transport).
		SetRetryCount(0).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	if cfg.JWTSecret != "" {
		signer := auth.NewTokenSigner([]byte(cfg.JWTSecret), cfg.PharmacyID, "")
		rc.OnBeforeRequest(func(_ *resty.Client, r *resty.Request) error {
			tok, err := signer.Sign()
			if err != nil {
				return err
			}
			r.SetAuthToken(tok)
			return nil
		})
	}

	return &Client{
		http:   rc,
		logger: logger.With().Str("component", "centralclient").Logger(),
	}
}

func (c *Client) Create(ctx context.Context, rec patient.Record) (*Result, error) {
	return c.do(ctx, http.MethodPut, "/patients/patient", rec)
}

func (c *Client) Update(ctx context.Context, rec patient.Record) (*Result, error) {
	return c.do(ctx, http.MethodPost, "/patients/patient", rec)
}

func (c *Client) Get(ctx context.Context, id patient.ID) (*Result, error) {
	return c.do(ctx, http.MethodGet, "/patients/"+id.String(), nil)
}

func (c *Client) Delete(ctx context.Context, id patient.ID) (*Result, error) {
	return c.do(ctx, http.MethodDelete, "/patients/"+id.String(), nil)
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}) (*Result, error) {
	req := c.http.R().SetContext(ctx)
	if body != nil {
		req.SetBody(body)
	}

	start := time.Now()
	resp, err := req.Execute(method, path)
	if err != nil {
		c.logger.Warn().Err(err).Str("method", method).Str("path", path).Msg("central call failed")
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}

	c.logger.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode()).
		Dur("latency", time.Since(start)).
		Msg("central call")
	return &Result{StatusCode: resp.StatusCode(), Body: resp.Body()}, nil
}
