package proxypool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// HTTPProvisioner buys proxies from a reseller API. It rides the plain
// retrying HTTP client, not the stealth path: the reseller wants to see us.
type HTTPProvisioner struct {
	BaseURL string
	APIKey  string
	Client  *http.Client
}

type purchaseRequest struct {
	Count   int    `json:"count"`
	Country string `json:"country,omitempty"`
}

type purchasedProxy struct {
	Host        string  `json:"host"`
	Port        int     `json:"port"`
	Protocol    string  `json:"protocol"`
	Username    string  `json:"username"`
	Password    string  `json:"password"`
	Country     string  `json:"country"`
	Residential bool    `json:"residential"`
	MonthlyCost float64 `json:"monthly_cost"`
}

func (hp *HTTPProvisioner) Purchase(ctx context.Context, count int) ([]Proxy, error) {
	body, err := json.Marshal(purchaseRequest{Count: count})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hp.BaseURL+"/v1/proxies/purchase", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+hp.APIKey)

	resp, err := hp.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("provisioning request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("provisioning API returned %d: %s", resp.StatusCode, string(b))
	}

	var out struct {
		Proxies []purchasedProxy `json:"proxies"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding provisioning response: %w", err)
	}

	proxies := make([]Proxy, len(out.Proxies))
	for i, pp := range out.Proxies {
		proxies[i] = Proxy{
			Host:        pp.Host,
			Port:        pp.Port,
			Protocol:    pp.Protocol,
			Username:    pp.Username,
			Password:    pp.Password,
			Country:     pp.Country,
			Residential: pp.Residential,
			MonthlyCost: pp.MonthlyCost,
			Status:      StatusAvailable,
		}
	}
	return proxies, nil
}
