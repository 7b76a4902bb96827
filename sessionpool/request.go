package sessionpool

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"

	"github.com/streetmarket/repricer/breaker"
	"github.com/streetmarket/repricer/proxypool"

	"github.com/andybalholm/brotli"
	"github.com/google/uuid"
)

// ErrPotentialBan is surfaced when a response looks like an anti-bot block.
// Bans are never retried: retrying into a ban risks losing the egress
// identity for good, so the caller has to escalate instead.
var ErrPotentialBan = errors.New("potential ban detected")

// StatusError is a non-retryable remote status (4xx outside the retry set).
type StatusError struct {
	StatusCode int
	Body       []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("remote returned status %d", e.StatusCode)
}

// Response is what the request path hands back to typed clients.
type Response struct {
	StatusCode int
	Body       []byte
	Cookies    []*http.Cookie
}

// RequestOptions selects the egress identity, circuit and extra headers
// for one call.
type RequestOptions struct {
	Proxy   *proxypool.Proxy
	Circuit string
	Headers http.Header
	Cookies []*http.Cookie
}

var retryableStatuses = map[int]bool{
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

var banStatuses = map[int]bool{
	http.StatusForbidden:         true,
	http.StatusProxyAuthRequired: true,
}

var banKeywords = []string{
	"captcha",
	"access denied",
	"temporarily blocked",
	"unusual activity",
}

// PostJSON runs the full outbound path: rate-limiter token, adaptive
// throttle wait, human jitter, context lookup, then the attempt loop with
// exponential backoff for retryable statuses.
func (p *Pool) PostJSON(ctx context.Context, rawurl string, body any, opts RequestOptions) (*Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding request body: %w", err)
	}
	return p.do(ctx, http.MethodPost, rawurl, payload, opts)
}

// GetJSON runs the same path for lookups.
func (p *Pool) GetJSON(ctx context.Context, rawurl string, opts RequestOptions) (*Response, error) {
	return p.do(ctx, http.MethodGet, rawurl, nil, opts)
}

func (p *Pool) do(ctx context.Context, method, rawurl string, payload []byte, opts RequestOptions) (*Response, error) {
	if err := p.limiter.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	if err := p.throttle.Wait(ctx); err != nil {
		return nil, err
	}
	if err := p.humanJitter(ctx); err != nil {
		return nil, err
	}

	cctx, err := p.GetContext(opts.Proxy)
	if err != nil {
		return nil, fmt.Errorf("getting execution context: %w", err)
	}

	circuit := opts.Circuit
	if circuit == "" {
		circuit = p.cfg.DefaultCircuit
	}
	brk := p.breakers.Get(circuit)

	// short id correlating the attempts of one logical request in logs
	reqID := uuid.NewString()[:8]
	p.logger.Debug("outbound request", "req", reqID, "method", method, "url", rawurl, "circuit", circuit)

	var lastErr error
	for attempt := 0; attempt < p.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := p.backoff(ctx, attempt); err != nil {
				return nil, err
			}
		}

		var resp *Response
		err := brk.Do(ctx, func(ctx context.Context) error {
			var err error
			resp, err = p.attempt(ctx, cctx, method, rawurl, payload, opts)
			return err
		})
		if err == nil {
			p.throttle.OnSuccess()
			requestsTotal.WithLabelValues(circuit, "ok").Inc()
			return resp, nil
		}
		lastErr = err

		switch {
		case errors.Is(err, ErrPotentialBan):
			// fail fast, loudly; never retried
			requestsTotal.WithLabelValues(circuit, "ban").Inc()
			p.logger.Error("potential ban detected", "req", reqID, "url", rawurl, "err", err)
			return nil, err
		case isRetryable(err):
			if isRateLimited(err) {
				p.throttle.OnRateLimited()
			} else {
				p.throttle.OnServerError()
			}
			requestsTotal.WithLabelValues(circuit, "retry").Inc()
			p.logger.Debug("retrying request", "req", reqID, "attempt", attempt+1, "err", err)
			continue
		default:
			requestsTotal.WithLabelValues(circuit, "error").Inc()
			return nil, err
		}
	}
	requestsTotal.WithLabelValues(circuit, "exhausted").Inc()
	return nil, fmt.Errorf("retry budget exhausted after %d attempts: %w", p.cfg.MaxAttempts, lastErr)
}

// retryableError marks a status that should be retried with backoff.
type retryableError struct {
	status int
}

func (e *retryableError) Error() string {
	return fmt.Sprintf("retryable remote status %d", e.status)
}

func isRetryable(err error) bool {
	var re *retryableError
	if errors.As(err, &re) {
		return true
	}
	var se *StatusError
	if errors.As(err, &se) {
		return false
	}
	if errors.Is(err, ErrPotentialBan) || errors.Is(err, breaker.ErrOpen) {
		return false
	}
	// what remains are transport-level failures; retried like server errors
	return true
}

func isRateLimited(err error) bool {
	var re *retryableError
	return errors.As(err, &re) && re.status == http.StatusTooManyRequests
}

func (p *Pool) attempt(ctx context.Context, cctx *Context, method, rawurl string, payload []byte, opts RequestOptions) (*Response, error) {
	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawurl, reqBody)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, vals := range opts.Headers {
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}
	for _, c := range opts.Cookies {
		req.AddCookie(c)
	}

	httpResp, err := cctx.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer httpResp.Body.Close()

	body, err := readBody(httpResp)
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}

	if isBan(httpResp.StatusCode, body) {
		return nil, fmt.Errorf("%w: status %d", ErrPotentialBan, httpResp.StatusCode)
	}
	if retryableStatuses[httpResp.StatusCode] {
		return nil, &retryableError{status: httpResp.StatusCode}
	}
	if httpResp.StatusCode >= 400 {
		return nil, &StatusError{StatusCode: httpResp.StatusCode, Body: body}
	}

	return &Response{
		StatusCode: httpResp.StatusCode,
		Body:       body,
		Cookies:    httpResp.Cookies(),
	}, nil
}

func isBan(status int, body []byte) bool {
	if banStatuses[status] {
		return true
	}
	lowered := strings.ToLower(string(body))
	for _, kw := range banKeywords {
		if strings.Contains(lowered, kw) {
			return true
		}
	}
	return false
}

// readBody decompresses gzip and brotli response bodies.
func readBody(resp *http.Response) ([]byte, error) {
	var reader io.Reader = resp.Body
	switch resp.Header.Get("Content-Encoding") {
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("gzip reader: %w", err)
		}
		defer gz.Close()
		reader = gz
	case "br":
		reader = brotli.NewReader(resp.Body)
	}
	return io.ReadAll(reader)
}

func (p *Pool) humanJitter(ctx context.Context) error {
	min, max := p.cfg.JitterMin, p.cfg.JitterMax
	if max <= min {
		return nil
	}
	d := min + time.Duration(rand.Int64N(int64(max-min)))
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// backoff sleeps base * 2^(attempt-1), capped, with ±jitter.
func (p *Pool) backoff(ctx context.Context, attempt int) error {
	d := p.cfg.BackoffBase << (attempt - 1)
	if d > p.cfg.BackoffMax {
		d = p.cfg.BackoffMax
	}
	if f := p.cfg.BackoffJitter; f > 0 {
		spread := float64(d) * f
		d += time.Duration(rand.Float64()*2*spread - spread)
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
