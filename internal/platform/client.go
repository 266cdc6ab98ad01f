package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
)

const (
	headerRateRemaining = "X-Rate-Limit-Remaining"
	headerRateReset     = "X-Rate-Limit-Reset"
)

// Client talks to one platform instance over its HTTP API. It feeds every
// response's quota headers into the shared rate-limit tracker.
type Client struct {
	client  *resty.Client
	tracker *RateLimitTracker
}

// ClientConfig holds connection settings for one platform instance.
type ClientConfig struct {
	BaseURL  string
	APIToken string
	Timeout  time.Duration
}

// NewClient creates a platform API client.
func NewClient(cfg *ClientConfig, tracker *RateLimitTracker) *Client {
	client := resty.New()
	client.SetBaseURL(cfg.BaseURL)
	client.SetHeader("Authorization", "Bearer "+cfg.APIToken)
	client.SetHeader("Content-Type", "application/json")
	if cfg.Timeout > 0 {
		client.SetTimeout(cfg.Timeout)
	}

	return &Client{client: client, tracker: tracker}
}

// RateLimiter returns the tracker shared by all calls through this client.
func (c *Client) RateLimiter() *RateLimitTracker {
	return c.tracker
}

type apiErrorBody struct {
	Error       string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

// StreamItems fetches one page of a collection.
func (c *Client) StreamItems(ctx context.Context, collectionID string, opts StreamOptions) (Page, error) {
	limit := opts.BatchSize
	if limit <= 0 {
		limit = 500
	}

	var page Page
	req := c.client.R().
		SetContext(ctx).
		SetResult(&page).
		SetQueryParam("offset", strconv.Itoa(opts.Offset)).
		SetQueryParam("limit", strconv.Itoa(limit))
	if len(opts.Filters) > 0 {
		req.SetBody(map[string]interface{}{"filters": opts.Filters})
	}

	resp, err := req.Post(fmt.Sprintf("/collections/%s/items/filter", collectionID))
	if err != nil {
		return Page{}, fmt.Errorf("failed to stream items: %w", err)
	}
	if err := c.check(resp); err != nil {
		return Page{}, err
	}
	return page, nil
}

// CountItems returns the number of items matching the filters.
func (c *Client) CountItems(ctx context.Context, collectionID string, filters map[string]interface{}) (int, error) {
	var result struct {
		Count int `json:"count"`
	}
	req := c.client.R().SetContext(ctx).SetResult(&result)
	if len(filters) > 0 {
		req.SetBody(map[string]interface{}{"filters": filters})
	}

	resp, err := req.Post(fmt.Sprintf("/collections/%s/items/count", collectionID))
	if err != nil {
		return 0, fmt.Errorf("failed to count items: %w", err)
	}
	if err := c.check(resp); err != nil {
		return 0, err
	}
	return result.Count, nil
}

// GetSchema returns the field descriptors of a collection.
func (c *Client) GetSchema(ctx context.Context, collectionID string) ([]SchemaField, error) {
	var fields []SchemaField
	resp, err := c.client.R().
		SetContext(ctx).
		SetResult(&fields).
		Get(fmt.Sprintf("/collections/%s/fields", collectionID))
	if err != nil {
		return nil, fmt.Errorf("failed to get schema: %w", err)
	}
	if err := c.check(resp); err != nil {
		return nil, err
	}
	return fields, nil
}

// BulkCreate creates records in one call. Per-entry failures come back in
// the result rather than as an error.
func (c *Client) BulkCreate(ctx context.Context, collectionID string, records []map[string]interface{}, opts WriteOptions) (*BulkResult, error) {
	var result BulkResult
	resp, err := c.client.R().
		SetContext(ctx).
		SetResult(&result).
		SetBody(map[string]interface{}{
			"records":     records,
			"concurrency": opts.Concurrency,
			"silent":      opts.Silent,
		}).
		Post(fmt.Sprintf("/collections/%s/items/bulk", collectionID))
	if err != nil {
		return nil, fmt.Errorf("failed bulk create: %w", err)
	}
	if err := c.check(resp); err != nil {
		return nil, err
	}
	return &result, nil
}

// BulkUpdate updates the fields of one target item.
func (c *Client) BulkUpdate(ctx context.Context, itemID string, fields map[string]interface{}, opts WriteOptions) error {
	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(map[string]interface{}{
			"fields": fields,
			"silent": opts.Silent,
		}).
		Put(fmt.Sprintf("/items/%s", itemID))
	if err != nil {
		return fmt.Errorf("failed bulk update: %w", err)
	}
	return c.check(resp)
}

// DeleteItem deletes one target item. Used by the field-mapping smoke test
// to clean up its probe records.
func (c *Client) DeleteItem(ctx context.Context, itemID string) error {
	resp, err := c.client.R().
		SetContext(ctx).
		Delete(fmt.Sprintf("/items/%s", itemID))
	if err != nil {
		return fmt.Errorf("failed to delete item: %w", err)
	}
	return c.check(resp)
}

// check records quota headers and converts non-2xx responses to APIError.
func (c *Client) check(resp *resty.Response) error {
	c.observeHeaders(resp)

	if resp.IsSuccess() {
		return nil
	}

	msg := string(resp.Body())
	var body apiErrorBody
	if err := json.Unmarshal(resp.Body(), &body); err == nil && body.Error != "" {
		msg = body.Error
		if body.Description != "" {
			msg = msg + ": " + body.Description
		}
	}
	return NewAPIError(resp.StatusCode(), msg)
}

func (c *Client) observeHeaders(resp *resty.Response) {
	if c.tracker == nil {
		return
	}
	remainingHdr := resp.Header().Get(headerRateRemaining)
	if remainingHdr == "" {
		c.tracker.Consume()
		return
	}
	remaining, err := strconv.Atoi(remainingHdr)
	if err != nil {
		return
	}
	var resetAt time.Time
	if resetHdr := resp.Header().Get(headerRateReset); resetHdr != "" {
		if epoch, err := strconv.ParseInt(resetHdr, 10, 64); err == nil {
			resetAt = time.Unix(epoch, 0)
		}
	}
	c.tracker.Observe(remaining, resetAt)
}
