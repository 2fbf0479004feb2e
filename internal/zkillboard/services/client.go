package services

import (
	"context"
	"encoding/json"
	"fmt"

	"wanderer-kills/internal/zkillboard/dto"
	"wanderer-kills/pkg/errs"
	"wanderer-kills/pkg/evegateway"
	"wanderer-kills/pkg/ratelimit"
)

// Client fetches from the zKillboard REST API (distinct from the RedisQ
// stream): single kills, per-system listings, and kill counts.
type Client struct {
	fetcher *evegateway.Fetcher
	baseURL string
}

// NewClient creates a zKillboard API client. The baseURL is typically
// "https://zkillboard.com/api".
func NewClient(fetcher *evegateway.Fetcher, baseURL string) *Client {
	return &Client{fetcher: fetcher, baseURL: baseURL}
}

// GetKillmail fetches /killID/<id>/. zKillboard returns an array of length
// one with the kill's zkb metadata.
func (c *Client) GetKillmail(ctx context.Context, killID int64) (*dto.SystemKill, error) {
	kills, err := c.getKillList(ctx, fmt.Sprintf("%s/killID/%d/", c.baseURL, killID))
	if err != nil {
		return nil, err
	}
	if len(kills) == 0 {
		return nil, errs.NotFound("killmail %d not on zKillboard", killID)
	}
	return &kills[0], nil
}

// GetSystemKillmails fetches /systemID/<id>/, newest first.
func (c *Client) GetSystemKillmails(ctx context.Context, systemID int64) ([]dto.SystemKill, error) {
	return c.getKillList(ctx, fmt.Sprintf("%s/systemID/%d/", c.baseURL, systemID))
}

// GetSystemKillCount fetches /systemID/<id>/count/.
func (c *Client) GetSystemKillCount(ctx context.Context, systemID int64) (int64, error) {
	body, err := c.fetcher.Get(ctx, fmt.Sprintf("%s/systemID/%d/count/", c.baseURL, systemID), ratelimit.UpstreamZKB)
	if err != nil {
		return 0, err
	}

	var payload struct {
		Count int64 `json:"count"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return 0, errs.ZKBError("decoding system kill count").Wrap(err)
	}
	return payload.Count, nil
}

func (c *Client) getKillList(ctx context.Context, url string) ([]dto.SystemKill, error) {
	body, err := c.fetcher.Get(ctx, url, ratelimit.UpstreamZKB)
	if err != nil {
		return nil, err
	}

	var kills []dto.SystemKill
	if err := json.Unmarshal(body, &kills); err != nil {
		return nil, errs.ZKBError("decoding zKillboard listing").Wrap(err)
	}
	return kills, nil
}
