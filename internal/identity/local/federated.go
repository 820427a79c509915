package local

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"golang.org/x/oauth2"
)

// GoogleUserInfoURL is the default userinfo endpoint for federated sign-in.
const GoogleUserInfoURL = "https://www.googleapis.com/oauth2/v3/userinfo"

// federatedProfile is the subset of the provider's userinfo response we use.
type federatedProfile struct {
	Subject       string `json:"sub"`
	ID            string `json:"id"`
	Email         string `json:"email"`
	EmailVerified *bool  `json:"email_verified"`
	Name          string `json:"name"`
}

func (p federatedProfile) subject() string {
	if p.Subject != "" {
		return p.Subject
	}
	return p.ID
}

// fetchUserInfo exchanges an access token for the provider's user profile.
func fetchUserInfo(ctx context.Context, base *http.Client, url, accessToken string) (*federatedProfile, error) {
	if base != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, base)
	}
	client := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: accessToken,
		TokenType:   "Bearer",
	}))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("userinfo get: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return nil, fmt.Errorf("read userinfo body: %w", err)
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, errRejectedCredential
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("userinfo returned %d: %s", resp.StatusCode, body)
	}

	var p federatedProfile
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("parse userinfo: %w", err)
	}
	if p.subject() == "" {
		return nil, fmt.Errorf("userinfo has no subject")
	}
	return &p, nil
}
