package marketplace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/streetmarket/repricer/breaker"
	"github.com/streetmarket/repricer/proxypool"
	"github.com/streetmarket/repricer/sessionpool"
)

var (
	// ErrInvalidCredentials means the marketplace rejected the login.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrUpdateRejected means a price update came back unconfirmed.
	ErrUpdateRejected = errors.New("price update rejected")
)

// SessionCookies is the slice of cookies a typed call authenticates with.
// The auth package owns the full session type; the client only needs the
// cookie jar view of it.
type SessionCookies []*http.Cookie

// Client issues typed calls against one marketplace host.
type Client struct {
	Host string
	Pool *sessionpool.Pool
}

func NewClient(host string, pool *sessionpool.Pool) *Client {
	return &Client{Host: host, Pool: pool}
}

// LoginResponse is the phase-one result: the remote's verdict plus the
// cookies it set, which become the session material.
type LoginResponse struct {
	Result  string
	Cookies []*http.Cookie
}

// LoginSubmit performs the credential phase of login. Calls go through the
// auth circuit, which recovers more cautiously than the general API one.
func (c *Client) LoginSubmit(ctx context.Context, input LoginInput, proxy *proxypool.Proxy) (*LoginResponse, error) {
	resp, err := c.Pool.PostJSON(ctx, c.Host+"/api/v2/auth/login", input, sessionpool.RequestOptions{
		Proxy:   proxy,
		Circuit: breaker.CircuitMarketplaceAuth,
	})
	if err != nil {
		return nil, err
	}
	var out LoginOutput
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return nil, fmt.Errorf("decoding login response: %w", err)
	}
	if out.Result == LoginResultInvalidCredentials {
		return nil, ErrInvalidCredentials
	}
	return &LoginResponse{Result: out.Result, Cookies: resp.Cookies}, nil
}

// SmsSubmit performs the one-time-code phase, authenticated by the partial
// session's cookies.
func (c *Client) SmsSubmit(ctx context.Context, code string, cookies SessionCookies, proxy *proxypool.Proxy) (*LoginResponse, error) {
	resp, err := c.Pool.PostJSON(ctx, c.Host+"/api/v2/auth/sms", SmsInput{Code: code}, sessionpool.RequestOptions{
		Proxy:   proxy,
		Circuit: breaker.CircuitMarketplaceAuth,
		Cookies: cookies,
	})
	if err != nil {
		return nil, err
	}
	var out LoginOutput
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return nil, fmt.Errorf("decoding sms response: %w", err)
	}
	if out.Result != LoginResultOK {
		return nil, fmt.Errorf("sms verification failed: %s", out.Result)
	}
	merged := append([]*http.Cookie{}, cookies...)
	merged = append(merged, resp.Cookies...)
	return &LoginResponse{Result: out.Result, Cookies: merged}, nil
}

// Merchants lists the merchant accounts the session can act for. Also the
// cheap liveness probe: a valid session returns a non-empty list.
func (c *Client) Merchants(ctx context.Context, cookies SessionCookies, proxy *proxypool.Proxy) ([]Merchant, error) {
	resp, err := c.Pool.GetJSON(ctx, c.Host+"/api/v2/merchants", sessionpool.RequestOptions{
		Proxy:   proxy,
		Cookies: cookies,
	})
	if err != nil {
		return nil, err
	}
	var out merchantsOutput
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return nil, fmt.Errorf("decoding merchants response: %w", err)
	}
	return out.Merchants, nil
}

// Offers fetches the full competitor offer list for a listing.
func (c *Client) Offers(ctx context.Context, listingID string, cookies SessionCookies, proxy *proxypool.Proxy) ([]Offer, error) {
	url := fmt.Sprintf("%s/api/v2/listings/%s/offers", c.Host, listingID)
	resp, err := c.Pool.GetJSON(ctx, url, sessionpool.RequestOptions{
		Proxy:   proxy,
		Cookies: cookies,
	})
	if err != nil {
		return nil, err
	}
	var out offersOutput
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return nil, fmt.Errorf("decoding offers response: %w", err)
	}
	return out.Offers, nil
}

// UpdatePrice pushes a new price for a product. The caller must only
// commit local state after this returns nil.
func (c *Client) UpdatePrice(ctx context.Context, merchantID, productID string, price int64, cookies SessionCookies, proxy *proxypool.Proxy) error {
	url := fmt.Sprintf("%s/api/v2/merchants/%s/prices", c.Host, merchantID)
	resp, err := c.Pool.PostJSON(ctx, url, priceUpdateInput{ProductID: productID, Price: price}, sessionpool.RequestOptions{
		Proxy:   proxy,
		Cookies: cookies,
	})
	if err != nil {
		return err
	}
	var out priceUpdateOutput
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return fmt.Errorf("decoding price update response: %w", err)
	}
	if !out.OK {
		return ErrUpdateRejected
	}
	return nil
}
