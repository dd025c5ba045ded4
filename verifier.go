package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// TurnstileVerifyEndpoint is Cloudflare's token validation API.
const TurnstileVerifyEndpoint = "https://challenges.cloudflare.com/turnstile/v0/siteverify"

// siteverifyResponse is the body returned by the validation API.
type siteverifyResponse struct {
	Success     bool     `json:"success"`
	ErrorCodes  []string `json:"error-codes,omitempty"`
	ChallengeTS string   `json:"challenge_ts,omitempty"`
	Hostname    string   `json:"hostname,omitempty"`
}

// TurnstileVerifier checks widget tokens server-side. It is only wired when
// challenge.secret_key is configured.
type TurnstileVerifier struct {
	secret     string
	endpoint   string
	httpClient *http.Client
}

// NewTurnstileVerifier creates a verifier. An empty endpoint uses
// TurnstileVerifyEndpoint.
func NewTurnstileVerifier(secret, endpoint string) *TurnstileVerifier {
	if endpoint == "" {
		endpoint = TurnstileVerifyEndpoint
	}
	return &TurnstileVerifier{
		secret:     secret,
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// Verify reports whether the vendor accepted token. Transport failures
// return false together with the error.
func (v *TurnstileVerifier) Verify(ctx context.Context, token, remoteIP string) (bool, error) {
	if token == "" {
		return false, errors.New("empty token")
	}

	data := url.Values{}
	data.Set("secret", v.secret)
	data.Set("response", token)
	if remoteIP != "" {
		data.Set("remoteip", remoteIP)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.endpoint, strings.NewReader(data.Encode()))
	if err != nil {
		return false, fmt.Errorf("build siteverify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("siteverify: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return false, fmt.Errorf("read siteverify response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("siteverify returned %d", resp.StatusCode)
	}

	var result siteverifyResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return false, fmt.Errorf("decode siteverify response: %w", err)
	}
	if !result.Success && len(result.ErrorCodes) > 0 {
		return false, fmt.Errorf("token rejected: %s", strings.Join(result.ErrorCodes, ","))
	}
	return result.Success, nil
}
