// Package marketplace is the typed client for the remote marketplace API.
// Only the shapes the engine needs are modeled; everything rides the
// sessionpool request path (rate limit, throttle, breaker, ban handling).
package marketplace

// LoginInput carries merchant credentials for the first login phase.
type LoginInput struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// SmsInput carries the one-time code for the second login phase.
type SmsInput struct {
	Code string `json:"code"`
}

// LoginOutput is the remote's answer to either login phase.
type LoginOutput struct {
	// Result is "ok", "sms_required" or "invalid_credentials".
	Result string `json:"result"`
}

const (
	LoginResultOK                 = "ok"
	LoginResultSmsRequired        = "sms_required"
	LoginResultInvalidCredentials = "invalid_credentials"
)

// Merchant is one merchant account visible to an authenticated session.
type Merchant struct {
	ID       string          `json:"id"`
	ShopName string          `json:"shop_name"`
	Stores   []StoreLocation `json:"stores"`
}

// StoreLocation is per-location store metadata.
type StoreLocation struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Address string `json:"address"`
}

type merchantsOutput struct {
	Merchants []Merchant `json:"merchants"`
}

// Offer is one competitor offer on a listing.
type Offer struct {
	MerchantID string `json:"merchant_id"`
	// Price is in minor currency units.
	Price int64 `json:"price"`
}

type offersOutput struct {
	Offers []Offer `json:"offers"`
}

type priceUpdateInput struct {
	ProductID string `json:"product_id"`
	Price     int64  `json:"price"`
}

type priceUpdateOutput struct {
	OK bool `json:"ok"`
}
