// Package profile looks up public profile fields for a user from the main
// platform's profile service. Chat identity stays anonymous by default; the
// lookup is only consulted when a client explicitly reveals, and when the
// service is down the rest of the system keeps working without it.
package profile

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"time"
)

// Profile holds the public fields the platform exposes for a user.
type Profile struct {
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url"`
	AgeVerified bool   `json:"age_verified"`
}

// Lookup resolves a user id to their public profile. Implementations must
// treat upstream failure as "profile unavailable" rather than fatal.
type Lookup interface {
	GetProfile(ctx context.Context, userID string) (Profile, error)
}

// HTTPLookup fetches profiles from the platform's internal HTTP API.
type HTTPLookup struct {
	baseURL string
	client  *http.Client
}

// NewHTTPLookup builds a lookup against baseURL, e.g.
// "http://profiles.internal:8080".
func NewHTTPLookup(baseURL string) *HTTPLookup {
	return &HTTPLookup{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 3 * time.Second},
	}
}

// GetProfile fetches one user's profile. Any transport or decode failure is
// returned as an error; callers fall back to the zero Profile.
func (l *HTTPLookup) GetProfile(ctx context.Context, userID string) (Profile, error) {
	endpoint := fmt.Sprintf("%s/internal/v1/profiles/%s", l.baseURL, url.PathEscape(userID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Profile{}, fmt.Errorf("profile: build request: %w", err)
	}

	resp, err := l.client.Do(req)
	if err != nil {
		return Profile{}, fmt.Errorf("profile: fetch %s: %w", userID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Profile{}, fmt.Errorf("profile: fetch %s: status %d", userID, resp.StatusCode)
	}

	var p Profile
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return Profile{}, fmt.Errorf("profile: decode %s: %w", userID, err)
	}
	return p, nil
}

// Resolve wraps a Lookup call with the unavailable-is-fine policy: on any
// error it logs and returns the zero Profile.
func Resolve(ctx context.Context, lookup Lookup, userID string) Profile {
	if lookup == nil {
		return Profile{}
	}
	p, err := lookup.GetProfile(ctx, userID)
	if err != nil {
		log.Printf("[profile] lookup failed for %s: %v", userID, err)
		return Profile{}
	}
	return p
}
