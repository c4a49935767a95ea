// Package directory wraps the external directory/permission service: who may
// act on an evaluation and which addresses each audience resolves to.
// Outbound calls run through a circuit breaker so a flapping directory cannot
// stall the engine.
package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/sony/gobreaker/v2"

	"evaluation-scheduler/internal/config"
)

// Audience selects which group of an evaluation's users to resolve.
type Audience string

const (
	AudienceOwner       Audience = "owner"
	AudienceTakers      Audience = "takers"
	AudienceInstructors Audience = "instructors"
	AudienceStudents    Audience = "students"
	AudienceAll         Audience = "all"
)

// Recipient is a resolved notification target.
type Recipient struct {
	Address string `json:"address"`
	Name    string `json:"name"`
}

// Client talks to the directory service over HTTP.
type Client struct {
	baseURL string
	token   string
	adminID string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker[*http.Response]
}

func New(cfg config.Config) *Client {
	breaker := gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:    "directory",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return &Client{
		baseURL: cfg.DirectoryBaseURL,
		token:   cfg.DirectoryToken,
		adminID: cfg.AdminUserID,
		http:    &http.Client{Timeout: 10 * time.Second},
		breaker: breaker,
	}
}

// CurrentAdminID returns the trusted principal used for administrative
// cleanup.
func (c *Client) CurrentAdminID() string { return c.adminID }

// CanControl asks whether the user may control the evaluation. The configured
// admin principal is always allowed without a round trip.
func (c *Client) CanControl(ctx context.Context, userID, evaluationID string) (bool, error) {
	if userID != "" && userID == c.adminID {
		return true, nil
	}
	q := url.Values{"user": {userID}, "evaluation": {evaluationID}}
	var out struct {
		Allowed bool `json:"allowed"`
	}
	if err := c.getJSON(ctx, "/permissions/control", q, &out); err != nil {
		return false, fmt.Errorf("check control permission: %w", err)
	}
	return out.Allowed, nil
}

// Recipients resolves the notification targets for one audience of an
// evaluation.
func (c *Client) Recipients(ctx context.Context, evaluationID string, audience Audience) ([]Recipient, error) {
	q := url.Values{"audience": {string(audience)}}
	var out struct {
		Recipients []Recipient `json:"recipients"`
	}
	path := "/evaluations/" + url.PathEscape(evaluationID) + "/recipients"
	if err := c.getJSON(ctx, path, q, &out); err != nil {
		return nil, fmt.Errorf("resolve %s recipients: %w", audience, err)
	}
	return out.Recipients, nil
}

func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+query.Encode(), nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.breaker.Execute(func() (*http.Response, error) {
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 500 {
			resp.Body.Close()
			return nil, fmt.Errorf("directory returned %d", resp.StatusCode)
		}
		return resp, nil
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("directory returned %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
