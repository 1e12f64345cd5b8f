// Package identity looks up users in the platform's user API and
// answers the one authorization question the socket layer asks: may
// this user attach to this sandbox, and do they own it?
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// ErrNotFound is returned when the user API has no record for the id.
var ErrNotFound = errors.New("user not found")

const httpTimeout = 10 * time.Second

// SandboxRef is a sandbox the user owns.
type SandboxRef struct {
	ID string `json:"id"`
}

// SandboxShare is a sandbox another user shared with this one.
type SandboxShare struct {
	SandboxID string `json:"sandboxId"`
}

// User is the subset of the user record the server needs.
type User struct {
	ID              string         `json:"id"`
	Sandboxes       []SandboxRef   `json:"sandbox"`
	SharedSandboxes []SandboxShare `json:"usersToSandboxes"`
}

// Authorize reports whether the user may attach to sandboxID and
// whether they own it. Owners get full access; shared users attach as
// read-only viewers.
func (u *User) Authorize(sandboxID string) (isOwner, allowed bool) {
	for _, s := range u.Sandboxes {
		if s.ID == sandboxID {
			return true, true
		}
	}
	for _, s := range u.SharedSandboxes {
		if s.SandboxID == sandboxID {
			return false, true
		}
	}
	return false, false
}

// Client fetches user records from the user API.
type Client struct {
	baseURL    string
	serviceKey string
	httpClient *http.Client
}

// NewClient creates a user API client for the given base URL.
func NewClient(baseURL, serviceKey string) *Client {
	return &Client{
		baseURL:    baseURL,
		serviceKey: serviceKey,
		httpClient: &http.Client{
			Timeout: httpTimeout,
		},
	}
}

// FetchUser loads the user record for userID.
func (c *Client) FetchUser(ctx context.Context, userID string) (*User, error) {
	endpoint := fmt.Sprintf("%s/api/user?id=%s", c.baseURL, url.QueryEscape(userID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build user request: %w", err)
	}
	if c.serviceKey != "" {
		req.Header.Set("Authorization", c.serviceKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch user %s: %w", userID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("user API returned status %d: %s", resp.StatusCode, string(body))
	}

	var user User
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return nil, fmt.Errorf("failed to decode user %s: %w", userID, err)
	}
	if user.ID == "" {
		return nil, fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	return &user, nil
}
