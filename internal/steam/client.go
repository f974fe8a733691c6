// Package steam is a small Steam Web API client.
package steam

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/samcm/ts-companion/internal/domain"
)

// DefaultBaseURL is the public Steam Web API endpoint.
const DefaultBaseURL = "https://api.steampowered.com"

// Config holds Steam API settings.
type Config struct {
	APIKey            string
	BaseURL           string
	RequestsPerSecond float64
	Timeout           time.Duration
}

// Game is an owned game.
type Game struct {
	AppID           int    `json:"appid"`
	Name            string `json:"name"`
	PlaytimeForever int    `json:"playtime_forever"`
}

// Player is a public profile summary.
type Player struct {
	SteamID     string `json:"steamid"`
	PersonaName string `json:"personaname"`
	ProfileURL  string `json:"profileurl"`
	Avatar      string `json:"avatar"`
	AvatarFull  string `json:"avatarfull"`
}

// Client calls the Steam Web API. Calls are rate limited and never retried.
type Client struct {
	log        logrus.FieldLogger
	cfg        Config
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewClient creates a client.
func NewClient(log logrus.FieldLogger, cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}

	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 5
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	return &Client{
		log: log.WithField("component", "steam"),
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
	}
}

// get calls path with query, adding the API key, and decodes the JSON body into result.
func (c *Client) get(ctx context.Context, path string, query url.Values, result interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrSteamUnavailable, err)
	}

	query.Set("key", c.cfg.APIKey)
	query.Set("format", "json")

	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + path + "?" + query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrSteamUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: status %d", domain.ErrSteamAuth, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: status %d, body: %s", domain.ErrSteamUnavailable, resp.StatusCode, string(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return fmt.Errorf("%w: failed to decode response: %w", domain.ErrSteamUnavailable, err)
	}

	return nil
}

// OwnedGames lists the games owned by steamID. Private profiles own nothing.
func (c *Client) OwnedGames(ctx context.Context, steamID string) ([]Game, error) {
	var body struct {
		Response struct {
			GameCount int    `json:"game_count"`
			Games     []Game `json:"games"`
		} `json:"response"`
	}

	query := url.Values{}
	query.Set("steamid", steamID)
	query.Set("include_appinfo", "1")

	if err := c.get(ctx, "/IPlayerService/GetOwnedGames/v0001/", query, &body); err != nil {
		return nil, fmt.Errorf("failed to get owned games for %s: %w", steamID, err)
	}

	c.log.WithFields(logrus.Fields{
		"steam_id": steamID,
		"games":    len(body.Response.Games),
	}).Debug("Fetched owned games")

	return body.Response.Games, nil
}

// OwnedGameIDs lists the app ids owned by steamID.
func (c *Client) OwnedGameIDs(ctx context.Context, steamID string) ([]int, error) {
	games, err := c.OwnedGames(ctx, steamID)
	if err != nil {
		return nil, err
	}

	ids := make([]int, 0, len(games))
	for _, g := range games {
		ids = append(ids, g.AppID)
	}

	return ids, nil
}

// PlayerSummary fetches the public profile of steamID.
func (c *Client) PlayerSummary(ctx context.Context, steamID string) (*Player, error) {
	var body struct {
		Response struct {
			Players []Player `json:"players"`
		} `json:"response"`
	}

	query := url.Values{}
	query.Set("steamids", steamID)

	if err := c.get(ctx, "/ISteamUser/GetPlayerSummaries/v0002/", query, &body); err != nil {
		return nil, fmt.Errorf("failed to get player summary for %s: %w", steamID, err)
	}

	if len(body.Response.Players) == 0 {
		return nil, fmt.Errorf("no profile for steam id %s", steamID)
	}

	return &body.Response.Players[0], nil
}

// CheckKey verifies that the configured API key is accepted.
func (c *Client) CheckKey(ctx context.Context) error {
	var body json.RawMessage

	query := url.Values{}
	query.Set("appid", "570")

	if err := c.get(ctx, "/ISteamUserStats/GetSchemaForGame/v2/", query, &body); err != nil {
		return fmt.Errorf("failed to verify steam api key: %w", err)
	}

	return nil
}

const (
	steamIDBase  uint64 = 76561197960265728
	steamIDRange uint64 = 1 << 32
)

// ParseSteamID validates a 64-bit community id of an individual account.
func ParseSteamID(s string) (string, error) {
	s = strings.TrimSpace(s)

	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return "", fmt.Errorf("invalid steam id %q: %w", s, err)
	}

	if id <= steamIDBase || id >= steamIDBase+steamIDRange {
		return "", fmt.Errorf("steam id %q is not an individual account", s)
	}

	return strconv.FormatUint(id, 10), nil
}
