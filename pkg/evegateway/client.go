// Package evegateway is the gateway to EVE Online's ESI API: a retrying
// rate-limited fetcher, typed clients for the reference endpoints used by
// killmail enrichment, and a TTL cache in front of them.
package evegateway

import (
	"context"
	"encoding/json"
	"fmt"

	"wanderer-kills/pkg/errs"
	"wanderer-kills/pkg/ratelimit"
)

// Character is the subset of the ESI character record used for enrichment.
type Character struct {
	Name          string `json:"name"`
	CorporationID int64  `json:"corporation_id"`
	AllianceID    *int64 `json:"alliance_id,omitempty"`
}

// Corporation is the subset of the ESI corporation record used for enrichment.
type Corporation struct {
	Name       string `json:"name"`
	Ticker     string `json:"ticker"`
	AllianceID *int64 `json:"alliance_id,omitempty"`
}

// Alliance is the subset of the ESI alliance record used for enrichment.
type Alliance struct {
	Name   string `json:"name"`
	Ticker string `json:"ticker"`
}

// Type is the subset of the ESI universe type record used for enrichment.
type Type struct {
	Name    string `json:"name"`
	GroupID int64  `json:"group_id"`
}

// Group is the subset of the ESI universe group record used for enrichment.
type Group struct {
	Name       string `json:"name"`
	CategoryID int64  `json:"category_id"`
}

// Client fetches reference records from ESI.
type Client struct {
	fetcher *Fetcher
	baseURL string
}

// NewClient creates an ESI client against the given base URL
// (e.g. https://esi.evetech.net/latest).
func NewClient(fetcher *Fetcher, baseURL string) *Client {
	return &Client{fetcher: fetcher, baseURL: baseURL}
}

func getJSON[T any](ctx context.Context, c *Client, path string) (*T, error) {
	body, err := c.fetcher.Get(ctx, c.baseURL+path, ratelimit.UpstreamESI)
	if err != nil {
		return nil, err
	}
	var out T
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, errs.InvalidFormat("decoding ESI response from %s", path).Wrap(err)
	}
	return &out, nil
}

// GetCharacter fetches /characters/{id}/.
func (c *Client) GetCharacter(ctx context.Context, id int64) (*Character, error) {
	return getJSON[Character](ctx, c, fmt.Sprintf("/characters/%d/", id))
}

// GetCorporation fetches /corporations/{id}/.
func (c *Client) GetCorporation(ctx context.Context, id int64) (*Corporation, error) {
	return getJSON[Corporation](ctx, c, fmt.Sprintf("/corporations/%d/", id))
}

// GetAlliance fetches /alliances/{id}/.
func (c *Client) GetAlliance(ctx context.Context, id int64) (*Alliance, error) {
	return getJSON[Alliance](ctx, c, fmt.Sprintf("/alliances/%d/", id))
}

// GetType fetches /universe/types/{id}/.
func (c *Client) GetType(ctx context.Context, id int64) (*Type, error) {
	return getJSON[Type](ctx, c, fmt.Sprintf("/universe/types/%d/", id))
}

// GetKillmailRaw fetches /killmails/{id}/{hash}/ and returns the raw body
// for the parser; the killmail shape is owned by the pipeline, not this
// client.
func (c *Client) GetKillmailRaw(ctx context.Context, killmailID int64, hash string) ([]byte, error) {
	return c.fetcher.Get(ctx, fmt.Sprintf("%s/killmails/%d/%s/", c.baseURL, killmailID, hash), ratelimit.UpstreamESI)
}

// GetGroup fetches /universe/groups/{id}/.
func (c *Client) GetGroup(ctx context.Context, id int64) (*Group, error) {
	return getJSON[Group](ctx, c, fmt.Sprintf("/universe/groups/%d/", id))
}
