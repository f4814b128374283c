package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"peercall/native/internal/domain"
)

const defaultTimeout = 10 * time.Second

type iceServer struct {
	URLs       stringList `json:"urls"`
	Username   string     `json:"username"`
	Credential string     `json:"credential"`
}

type iceServersResponse struct {
	ICEServers []iceServer `json:"iceServers"`
}

// stringList accepts either a single string or an array of strings.
type stringList []string

func (l *stringList) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		*l = stringList{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("urls: %w", err)
	}
	*l = many
	return nil
}

// Client fetches STUN/TURN credentials from an HTTP endpoint.
type Client struct {
	http *http.Client
	log  *logrus.Entry
}

var _ domain.ICEServerFetcher = (*Client)(nil)

// NewClient creates an API client.
func NewClient() *Client {
	return &Client{
		http: &http.Client{Timeout: defaultTimeout},
		log:  logrus.WithField("component", "api"),
	}
}

// FetchICEServers GETs endpoint with token as bearer credential and returns
// the ICE servers it lists. Entries that fail validation are an error.
func (c *Client) FetchICEServers(ctx context.Context, endpoint, token string) ([]domain.ICEServerConfig, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create http request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("http %d: %s", resp.StatusCode, string(body))
	}

	var parsed iceServersResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}

	out := make([]domain.ICEServerConfig, 0, len(parsed.ICEServers))
	for i, s := range parsed.ICEServers {
		cfg := domain.ICEServerConfig{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		}
		if cfg.Credential != "" {
			cfg.CredentialType = domain.CredentialPassword
		}
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("ice server %d: %w", i, err)
		}
		out = append(out, cfg)
	}
	c.log.WithField("count", len(out)).Info("ice servers fetched")
	return out, nil
}
