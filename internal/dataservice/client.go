// Package dataservice implements the external protocol capabilities over an
// HTTP data service: the raw market clients, the swap router, the flash-loan
// fee schedule and the price oracle. The service aggregates on-chain state;
// this package only moves JSON.
package dataservice

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"time"

	"github.com/defi-lever/internal/adapter"
	apperrors "github.com/defi-lever/internal/errors"
	"github.com/defi-lever/internal/protocol"
	"github.com/defi-lever/internal/retry"
)

// Client is an HTTP client for the protocol data service. It implements
// adapter.AaveClient, adapter.CompoundClient, protocol.SwapRouter,
// protocol.FlashLender and protocol.PriceOracle.
type Client struct {
	baseURL string
	http    *http.Client
	retry   *retry.Config
}

// NewClient creates a data service client
func NewClient(baseURL string) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("data service url is required")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("invalid data service url: %w", err)
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 15 * time.Second},
		retry:   retry.DefaultConfig(),
	}, nil
}

// getJSON fetches path with query params and decodes the response into out.
// Transport failures and 5xx responses are retried with backoff.
func (c *Client) getJSON(ctx context.Context, path string, params url.Values, out interface{}) error {
	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}

	return retry.Do(ctx, c.retry, func(ctx context.Context, attempt int) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return apperrors.NewProviderError("data service", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			return apperrors.NewProviderError("data service", fmt.Errorf("%s returned %d", path, resp.StatusCode))
		}
		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return fmt.Errorf("data service %s returned %d: %s", path, resp.StatusCode, string(body))
		}

		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode %s response: %w", path, err)
		}
		return nil
	})
}

// Aave market client

func (c *Client) GetReservesData(ctx context.Context) ([]adapter.AaveReserveData, error) {
	var out []adapter.AaveReserveData
	if err := c.getJSON(ctx, "/aave/reserves", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetUserReservesData(ctx context.Context, user string) ([]adapter.AaveUserReserveData, error) {
	var out []adapter.AaveUserReserveData
	if err := c.getJSON(ctx, "/aave/users/"+url.PathEscape(user)+"/reserves", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetUserRewards(ctx context.Context, user string) ([]adapter.AaveUserRewardData, error) {
	var out []adapter.AaveUserRewardData
	if err := c.getJSON(ctx, "/aave/users/"+url.PathEscape(user)+"/rewards", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Compound market client

func (c *Client) GetAllMarkets(ctx context.Context) ([]adapter.CompoundMarketData, error) {
	var out []adapter.CompoundMarketData
	if err := c.getJSON(ctx, "/compound/markets", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetAccountSnapshot(ctx context.Context, user string) ([]adapter.CompoundAccountData, error) {
	var out []adapter.CompoundAccountData
	if err := c.getJSON(ctx, "/compound/users/"+url.PathEscape(user)+"/snapshot", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetCompAccrued(ctx context.Context, user string) ([]adapter.CompoundRewardData, error) {
	var out []adapter.CompoundRewardData
	if err := c.getJSON(ctx, "/compound/users/"+url.PathEscape(user)+"/rewards", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) HasObligation(ctx context.Context, user string) (bool, error) {
	var out struct {
		HasObligation bool `json:"hasObligation"`
	}
	if err := c.getJSON(ctx, "/compound/users/"+url.PathEscape(user)+"/obligation", nil, &out); err != nil {
		return false, err
	}
	return out.HasObligation, nil
}

// Swap router

type quoteResponse struct {
	AssetIn   string `json:"assetIn"`
	AssetOut  string `json:"assetOut"`
	AmountIn  string `json:"amountIn"`
	AmountOut string `json:"amountOut"`
	Route     string `json:"route,omitempty"`
}

func (c *Client) Quote(ctx context.Context, amountIn *big.Int, assetIn, assetOut string) ([]protocol.Quote, error) {
	params := url.Values{}
	params.Set("amountIn", amountIn.String())
	params.Set("assetIn", assetIn)
	params.Set("assetOut", assetOut)

	var raw []quoteResponse
	if err := c.getJSON(ctx, "/swap/quote", params, &raw); err != nil {
		return nil, err
	}

	quotes := make([]protocol.Quote, 0, len(raw))
	for _, q := range raw {
		in, ok := new(big.Int).SetString(q.AmountIn, 10)
		if !ok {
			return nil, fmt.Errorf("malformed quote amountIn: %q", q.AmountIn)
		}
		out, ok := new(big.Int).SetString(q.AmountOut, 10)
		if !ok {
			return nil, fmt.Errorf("malformed quote amountOut: %q", q.AmountOut)
		}
		quotes = append(quotes, protocol.Quote{
			AssetIn:   q.AssetIn,
			AssetOut:  q.AssetOut,
			AmountIn:  in,
			AmountOut: out,
			Route:     q.Route,
		})
	}
	return quotes, nil
}

// Flash lender

func (c *Client) FeeFor(ctx context.Context, amount *big.Int, assetID string) (*big.Int, error) {
	params := url.Values{}
	params.Set("amount", amount.String())
	params.Set("asset", assetID)

	var out struct {
		Fee string `json:"fee"`
	}
	if err := c.getJSON(ctx, "/flash/fee", params, &out); err != nil {
		return nil, err
	}
	fee, ok := new(big.Int).SetString(out.Fee, 10)
	if !ok {
		return nil, fmt.Errorf("malformed flash fee: %q", out.Fee)
	}
	return fee, nil
}

// Token metadata resolver

// TokenMetadata implements adapter.MetadataSource
func (c *Client) TokenMetadata(ctx context.Context, assetID string) (*adapter.TokenMetadata, error) {
	var out adapter.TokenMetadata
	if err := c.getJSON(ctx, "/tokens/"+url.PathEscape(assetID)+"/metadata", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Price oracle

func (c *Client) PriceOf(ctx context.Context, assetID string) (float64, error) {
	var out struct {
		PriceUSD float64 `json:"priceUsd"`
	}
	if err := c.getJSON(ctx, "/prices/"+url.PathEscape(assetID), nil, &out); err != nil {
		return 0, err
	}
	if out.PriceUSD <= 0 {
		return 0, fmt.Errorf("data service returned non-positive price for %s", assetID)
	}
	return out.PriceUSD, nil
}
