package brokerage

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"coinwarden/internal/config"
	"coinwarden/pkg/types"
)

// RESTClient is the production brokerage client. It wraps a resty HTTP
// client with rate limiting, retry, and per-request JWT auth. Safe for
// concurrent calls; a single shared instance serves the whole process.
type RESTClient struct {
	http   *resty.Client
	auth   *Auth
	rl     *RateLimiter
	logger *slog.Logger
}

var _ Client = (*RESTClient)(nil)

// NewRESTClient creates the client from config.
func NewRESTClient(cfg config.BrokerageConfig, logger *slog.Logger) (*RESTClient, error) {
	auth, err := NewAuth(cfg.KeyName, cfg.PrivateKeyPEM)
	if err != nil {
		return nil, err
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(timeout).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	return &RESTClient{
		http:   httpClient,
		auth:   auth,
		rl:     NewRateLimiter(),
		logger: logger.With("component", "brokerage"),
	}, nil
}

// VerifyCredentials mints a throwaway token to confirm the signing key is
// still usable. The daily credential-health task calls this.
func (c *RESTClient) VerifyCredentials() error {
	if !c.auth.Configured() {
		return permanent("verify credentials", fmt.Errorf("no signing key configured"))
	}
	if _, err := c.auth.Token(http.MethodGet, "/accounts"); err != nil {
		return permanent("verify credentials", err)
	}
	return nil
}

// request prepares an authenticated resty request for method+path.
func (c *RESTClient) request(ctx context.Context, method, path string) (*resty.Request, error) {
	r := c.http.R().SetContext(ctx)
	if c.auth.Configured() {
		tok, err := c.auth.Token(method, path)
		if err != nil {
			return nil, permanent("auth", err)
		}
		r.SetHeader("Authorization", "Bearer "+tok)
	}
	return r, nil
}

// accountsResponse is the JSON shape of GET /accounts.
type accountsResponse struct {
	Accounts []struct {
		Currency  string          `json:"currency"`
		Available decimal.Decimal `json:"available"`
		Hold      decimal.Decimal `json:"hold"`
	} `json:"accounts"`
}

// FetchBalances returns per-asset quantity (available + hold).
func (c *RESTClient) FetchBalances(ctx context.Context) (map[string]decimal.Decimal, error) {
	if err := c.rl.Market.Wait(ctx); err != nil {
		return nil, transient("fetch balances", err)
	}
	req, err := c.request(ctx, http.MethodGet, "/accounts")
	if err != nil {
		return nil, err
	}
	var result accountsResponse
	resp, err := req.SetResult(&result).Get("/accounts")
	if err != nil {
		return nil, transient("fetch balances", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, classifyStatus("fetch balances", resp.StatusCode(), resp.String())
	}

	out := make(map[string]decimal.Decimal, len(result.Accounts))
	for _, acct := range result.Accounts {
		out[strings.ToUpper(acct.Currency)] = acct.Available.Add(acct.Hold)
	}
	return out, nil
}

// spotResponse is the JSON shape of GET /products/spot.
type spotResponse struct {
	Prices map[string]decimal.Decimal `json:"prices"`
}

// FetchPrices returns USD spot prices for the requested symbols. Symbols
// the venue does not price are absent from the result, not an error.
func (c *RESTClient) FetchPrices(ctx context.Context, symbols []string) (map[string]decimal.Decimal, error) {
	if err := c.rl.Market.Wait(ctx); err != nil {
		return nil, transient("fetch prices", err)
	}
	req, err := c.request(ctx, http.MethodGet, "/products/spot")
	if err != nil {
		return nil, err
	}
	var result spotResponse
	resp, err := req.
		SetQueryParam("symbols", strings.Join(symbols, ",")).
		SetResult(&result).
		Get("/products/spot")
	if err != nil {
		return nil, transient("fetch prices", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, classifyStatus("fetch prices", resp.StatusCode(), resp.String())
	}

	out := make(map[string]decimal.Decimal, len(result.Prices))
	for sym, price := range result.Prices {
		out[strings.ToUpper(sym)] = price
	}
	return out, nil
}

// PlaceOrder submits one order and returns the venue acknowledgement.
func (c *RESTClient) PlaceOrder(ctx context.Context, order types.OrderRequest) (*types.OrderResult, error) {
	if err := c.rl.Order.Wait(ctx); err != nil {
		return nil, transient("place order", err)
	}
	req, err := c.request(ctx, http.MethodPost, "/orders")
	if err != nil {
		return nil, err
	}
	var result types.OrderResult
	resp, err := req.SetBody(order).SetResult(&result).Post("/orders")
	if err != nil {
		return nil, transient("place order", err)
	}
	if resp.StatusCode() != http.StatusOK && resp.StatusCode() != http.StatusCreated {
		return nil, classifyStatus("place order", resp.StatusCode(), resp.String())
	}
	if result.OrderID == "" {
		return nil, permanent("place order", fmt.Errorf("venue returned no order id"))
	}

	c.logger.Info("order placed",
		"order_id", result.OrderID,
		"side", order.Side,
		"symbol", order.Symbol,
		"amount", order.Amount,
		"mode", order.Mode,
	)
	return &result, nil
}

// collateralResponse is the JSON shape of GET /collateral.
type collateralResponse struct {
	Positions []struct {
		Currency string          `json:"currency"`
		Locked   decimal.Decimal `json:"locked"`
		Health   decimal.Decimal `json:"health"`
	} `json:"positions"`
}

// FetchCollateral returns the venue's locked collateral positions.
func (c *RESTClient) FetchCollateral(ctx context.Context) ([]types.Collateral, error) {
	if err := c.rl.Market.Wait(ctx); err != nil {
		return nil, transient("fetch collateral", err)
	}
	req, err := c.request(ctx, http.MethodGet, "/collateral")
	if err != nil {
		return nil, err
	}
	var result collateralResponse
	resp, err := req.SetResult(&result).Get("/collateral")
	if err != nil {
		return nil, transient("fetch collateral", err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return nil, nil // venue has no lending product enabled
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, classifyStatus("fetch collateral", resp.StatusCode(), resp.String())
	}

	now := time.Now().UTC()
	out := make([]types.Collateral, 0, len(result.Positions))
	for _, p := range result.Positions {
		out = append(out, types.Collateral{
			Symbol:    strings.ToUpper(p.Currency),
			Locked:    p.Locked,
			Health:    p.Health,
			FetchedAt: now,
		})
	}
	return out, nil
}
