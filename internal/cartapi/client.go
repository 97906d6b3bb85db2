// Package cartapi wraps the storefront cart endpoints behind the narrow
// gateway interface the gift engine drives.
package cartapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/magic-spells/gift-with-purchase/internal/gift"
	"github.com/magic-spells/gift-with-purchase/internal/obs"
)

// GatewayError describes a failed cart call together with the action that
// caused it. It is the only error type the gateway returns.
type GatewayError struct {
	Action string
	Status int
	Err    error
}

// Error implements the error interface.
func (e *GatewayError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("cart %s: %v", e.Action, e.Err)
	}
	if e.Status != 0 {
		return fmt.Sprintf("cart %s: unexpected status %d", e.Action, e.Status)
	}
	return fmt.Sprintf("cart %s failed", e.Action)
}

// Unwrap allows errors.Is/As to inspect the transport error.
func (e *GatewayError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// giftLineProperties mark the added line so the storefront hides it from the
// cart display and excludes its price from the subtotal.
var giftLineProperties = map[string]string{
	gift.GiftProperty:           "true",
	"_hide_in_cart":             "true",
	"_ignore_price_in_subtotal": "true",
}

// Client calls the storefront cart endpoints. It performs no retries: every
// failure is surfaced to the caller exactly once.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

// NewClient builds a Client with an instrumented transport.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// Add puts one unit of the gift variant into the cart, marked with the gift
// properties.
func (c *Client) Add(ctx context.Context, variantID string) error {
	payload := map[string]any{
		"id":         variantID,
		"quantity":   1,
		"properties": giftLineProperties,
	}
	status, err := c.post(ctx, "/cart/add.js", payload)
	if err != nil {
		obs.ObserveCartCall("add", "error")
		return &GatewayError{Action: "add", Err: err}
	}
	if status < 200 || status >= 300 {
		obs.ObserveCartCall("add", "error")
		return &GatewayError{Action: "add", Status: status}
	}
	obs.ObserveCartCall("add", "ok")
	return nil
}

// Cart fetches the live cart representation for callers that do not already
// hold a fresh snapshot.
func (c *Client) Cart(ctx context.Context) (gift.Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/cart.js", nil)
	if err != nil {
		return gift.Snapshot{}, &GatewayError{Action: "fetch", Err: err}
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		obs.ObserveCartCall("fetch", "error")
		return gift.Snapshot{}, &GatewayError{Action: "fetch", Err: err}
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		obs.ObserveCartCall("fetch", "error")
		return gift.Snapshot{}, &GatewayError{Action: "fetch", Status: resp.StatusCode}
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		obs.ObserveCartCall("fetch", "error")
		return gift.Snapshot{}, &GatewayError{Action: "fetch", Err: err}
	}
	obs.ObserveCartCall("fetch", "ok")
	return gift.ParseSnapshot(body), nil
}

// RemoveAll zeroes every given line, one change call per line, in parallel.
// The operation is all-or-nothing toward the caller: any line failing turns
// the whole batch into a single bulk error.
func (c *Client) RemoveAll(ctx context.Context, lines []gift.CartLine) error {
	if len(lines) == 0 {
		return nil
	}
	var wg sync.WaitGroup
	errs := make([]error, len(lines))
	for i, line := range lines {
		wg.Add(1)
		go func(i int, line gift.CartLine) {
			defer wg.Done()
			payload := map[string]any{"id": line.Key, "quantity": 0}
			status, err := c.post(ctx, "/cart/change.js", payload)
			if err != nil {
				errs[i] = fmt.Errorf("line %s: %w", line.Key, err)
				return
			}
			if status < 200 || status >= 300 {
				errs[i] = fmt.Errorf("line %s: unexpected status %d", line.Key, status)
			}
		}(i, line)
	}
	wg.Wait()
	if joined := errors.Join(errs...); joined != nil {
		obs.ObserveCartCall("remove", "error")
		return &GatewayError{Action: "remove", Err: joined}
	}
	obs.ObserveCartCall("remove", "ok")
	return nil
}

func (c *Client) post(ctx context.Context, path string, payload any) (int, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

func (c *Client) httpClient() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return http.DefaultClient
}
