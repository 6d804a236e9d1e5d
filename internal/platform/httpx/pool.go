package httpx

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/fathomhq/fathom-backend/internal/platform/logger"
)

const (
	defaultMaxAttempts = 5
	defaultBackoffBase = 2 * time.Second
	defaultBackoffCap  = 60 * time.Second
	quotaPeekBytes     = 2048
)

// Credential carries the bearer token a request is made with. When
// RefreshToken and TokenURL are set the pool refreshes expired tokens
// itself, single-flighted per credential id.
type Credential struct {
	ID           string
	AccessToken  string
	RefreshToken string
	TokenURL     string
	ClientID     string
	ClientSecret string
	Expiry       time.Time
}

func (c *Credential) expired() bool {
	if c == nil {
		return false
	}
	return !c.Expiry.IsZero() && time.Now().After(c.Expiry.Add(-30*time.Second))
}

// CredentialStore persists refreshed tokens so other workers pick them up.
type CredentialStore interface {
	SaveToken(ctx context.Context, credentialID string, accessToken string, refreshToken string, expiry time.Time) error
}

// Request is one logical call through the pool.
type Request struct {
	Method  string
	URL     string
	Headers http.Header
	Body    []byte

	Credential *Credential

	// MaxAttempts overrides the pool default when > 0.
	MaxAttempts int
	// Deadline bounds the whole call including retries. Zero means pool default.
	Deadline time.Duration
}

// Pool is the shared rate-limited HTTP client. One limiter per host,
// retry with exponential backoff on 429/5xx/quota-403, Retry-After
// honored and clamped, single-flight OAuth refresh on 401.
type Pool struct {
	log   *logger.Logger
	http  *http.Client
	store CredentialStore

	BackoffBase time.Duration
	BackoffCap  time.Duration
	MaxAttempts int
	Deadline    time.Duration

	// HostRPS is the per-host steady rate; HostBurst the bucket size.
	HostRPS   float64
	HostBurst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter

	refresh singleflight.Group
}

func NewPool(log *logger.Logger, store CredentialStore) *Pool {
	return &Pool{
		log:         log.With("service", "HTTPPool"),
		http:        &http.Client{Timeout: 60 * time.Second},
		store:       store,
		BackoffBase: defaultBackoffBase,
		BackoffCap:  defaultBackoffCap,
		MaxAttempts: defaultMaxAttempts,
		Deadline:    10 * time.Minute,
		HostRPS:     10,
		HostBurst:   20,
		limiters:    map[string]*rate.Limiter{},
	}
}

func (p *Pool) limiterFor(host string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	if lim, ok := p.limiters[host]; ok {
		return lim
	}
	lim := rate.NewLimiter(rate.Limit(p.HostRPS), p.HostBurst)
	p.limiters[host] = lim
	return lim
}

// Do issues the request, retrying per the pool policy. A non-retryable
// 4xx is returned to the caller without retries. The response body is
// fully read and replaced so callers can consume it without worrying
// about connection reuse.
func (p *Pool) Do(ctx context.Context, req Request) (*http.Response, error) {
	if strings.TrimSpace(req.URL) == "" {
		return nil, fmt.Errorf("httpx: url required")
	}
	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, fmt.Errorf("httpx: parse url: %w", err)
	}

	deadline := req.Deadline
	if deadline <= 0 {
		deadline = p.Deadline
	}
	if deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, deadline)
		defer cancel()
	}

	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = p.MaxAttempts
	}

	lim := p.limiterFor(u.Host)
	refreshed := false

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return nil, err
		}

		resp, err := p.doOnce(ctx, req)
		if err != nil {
			lastErr = err
			if !IsRetryableError(err) || ctx.Err() != nil {
				return nil, err
			}
			p.sleepBackoff(ctx, nil, attempt)
			continue
		}

		switch {
		case resp.StatusCode == http.StatusUnauthorized && req.Credential != nil && req.Credential.RefreshToken != "" && !refreshed:
			drain(resp)
			if err := p.refreshCredential(ctx, req.Credential); err != nil {
				return nil, fmt.Errorf("httpx: token refresh: %w", err)
			}
			refreshed = true
			// One retry after refresh; does not consume a backoff slot.
			attempt--
			continue
		case resp.StatusCode == http.StatusTooManyRequests,
			resp.StatusCode >= 500,
			resp.StatusCode == http.StatusForbidden && p.isQuotaResponse(resp):
			drain(resp)
			lastErr = &StatusError{Code: resp.StatusCode, URL: req.URL}
			p.sleepBackoff(ctx, resp, attempt)
			continue
		default:
			// Success and non-retryable 4xx both return to the caller.
			return resp, nil
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("httpx: retries exhausted for %s", req.URL)
	}
	return nil, lastErr
}

func (p *Pool) doOnce(ctx context.Context, req Request) (*http.Response, error) {
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, err
	}
	for k, vs := range req.Headers {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if cred := req.Credential; cred != nil {
		if cred.expired() && cred.RefreshToken != "" {
			if err := p.refreshCredential(ctx, cred); err != nil {
				return nil, fmt.Errorf("httpx: token refresh: %w", err)
			}
		}
		if strings.TrimSpace(cred.AccessToken) != "" {
			httpReq.Header.Set("Authorization", "Bearer "+cred.AccessToken)
		}
	}
	return p.http.Do(httpReq)
}

func (p *Pool) sleepBackoff(ctx context.Context, resp *http.Response, attempt int) {
	backoff := p.BackoffBase
	for i := 0; i < attempt; i++ {
		backoff *= 2
		if backoff >= p.BackoffCap {
			backoff = p.BackoffCap
			break
		}
	}
	wait := RetryAfterDuration(resp, backoff, p.BackoffCap)
	if resp != nil {
		if ra := strings.TrimSpace(resp.Header.Get("Retry-After")); ra != "" && wait == p.BackoffCap {
			p.log.Warn("Retry-After exceeds cap; clamping", "retry_after", ra, "cap", p.BackoffCap)
		}
	}
	select {
	case <-ctx.Done():
	case <-time.After(JitterSleep(wait)):
	}
}

// isQuotaResponse peeks at a 403 body for rate-limit wording. Some APIs
// (Drive, Salesforce) report quota exhaustion as 403 rather than 429.
func (p *Pool) isQuotaResponse(resp *http.Response) bool {
	if resp == nil || resp.Body == nil {
		return false
	}
	peek, _ := io.ReadAll(io.LimitReader(resp.Body, quotaPeekBytes))
	rest, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(append(peek, rest...)))
	low := strings.ToLower(string(peek))
	return strings.Contains(low, "quota") || strings.Contains(low, "rate limit") || strings.Contains(low, "ratelimit")
}

func (p *Pool) refreshCredential(ctx context.Context, cred *Credential) error {
	_, err, _ := p.refresh.Do(cred.ID, func() (interface{}, error) {
		form := url.Values{}
		form.Set("grant_type", "refresh_token")
		form.Set("refresh_token", cred.RefreshToken)
		if cred.ClientID != "" {
			form.Set("client_id", cred.ClientID)
		}
		if cred.ClientSecret != "" {
			form.Set("client_secret", cred.ClientSecret)
		}
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, cred.TokenURL, strings.NewReader(form.Encode()))
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		resp, err := p.http.Do(httpReq)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, &StatusError{Code: resp.StatusCode, URL: cred.TokenURL}
		}
		var tok struct {
			AccessToken  string `json:"access_token"`
			RefreshToken string `json:"refresh_token"`
			ExpiresIn    int    `json:"expires_in"`
		}
		if err := decodeJSON(resp.Body, &tok); err != nil {
			return nil, err
		}
		if strings.TrimSpace(tok.AccessToken) == "" {
			return nil, fmt.Errorf("empty access_token in refresh response")
		}
		cred.AccessToken = tok.AccessToken
		if tok.RefreshToken != "" {
			cred.RefreshToken = tok.RefreshToken
		}
		if tok.ExpiresIn > 0 {
			cred.Expiry = time.Now().Add(time.Duration(tok.ExpiresIn) * time.Second)
		}
		if p.store != nil {
			if err := p.store.SaveToken(ctx, cred.ID, cred.AccessToken, cred.RefreshToken, cred.Expiry); err != nil {
				p.log.Warn("failed to persist refreshed token", "credential_id", cred.ID, "error", err)
			}
		}
		return nil, nil
	})
	return err
}

func drain(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
	resp.Body.Close()
}

// StatusError reports a non-2xx terminal status from an upstream API.
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http status %d from %s", e.Code, e.URL)
}

func (e *StatusError) HTTPStatusCode() int { return e.Code }
