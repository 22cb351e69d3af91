package authz

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Validator resolves a bearer token to a user id. It returns an error
// wrapping ErrInvalidToken for rejected tokens and ErrValidatorUnavailable
// when the identity service cannot be reached.
type Validator interface {
	Validate(ctx context.Context, token string) (userID string, err error)
}

type ValidatorFunc func(ctx context.Context, token string) (string, error)

func (f ValidatorFunc) Validate(ctx context.Context, token string) (string, error) {
	return f(ctx, token)
}

// StaticValidator maps tokens to user ids. It backs local deployments and
// tests.
type StaticValidator map[string]string

func (v StaticValidator) Validate(_ context.Context, token string) (string, error) {
	user, ok := v[token]
	if !ok || strings.TrimSpace(user) == "" {
		return "", ErrInvalidToken
	}
	return user, nil
}

// HTTPValidator asks an identity service to introspect the token. The
// service answers 200 with {"user_id": "..."} for valid tokens and 401/403
// for rejected ones.
type HTTPValidator struct {
	URL     string
	Client  *http.Client
	Timeout time.Duration
}

func (v *HTTPValidator) Validate(ctx context.Context, token string) (string, error) {
	client := v.Client
	if client == nil {
		client = http.DefaultClient
	}
	if v.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, v.Timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.URL, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrValidatorUnavailable, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrValidatorUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", ErrInvalidToken
	case resp.StatusCode != http.StatusOK:
		return "", fmt.Errorf("%w: status %d", ErrValidatorUnavailable, resp.StatusCode)
	}

	var body struct {
		UserID string `json:"user_id"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body); err != nil {
		return "", fmt.Errorf("%w: decode response: %v", ErrValidatorUnavailable, err)
	}
	if strings.TrimSpace(body.UserID) == "" {
		return "", ErrInvalidToken
	}
	return body.UserID, nil
}

// normalizeToken strips an optional "Bearer " prefix and checks the shape of
// the token. No cryptographic validation happens here.
func normalizeToken(raw string, minLen, maxLen int) (string, error) {
	tok := strings.TrimSpace(raw)
	if len(tok) >= 7 && strings.EqualFold(tok[:7], "bearer ") {
		tok = strings.TrimSpace(tok[7:])
	}
	if tok == "" {
		return "", ErrMalformedToken
	}
	if len(tok) < minLen || (maxLen > 0 && len(tok) > maxLen) {
		return "", ErrMalformedToken
	}
	for _, r := range tok {
		if r <= ' ' || r == 0x7f {
			return "", ErrMalformedToken
		}
	}
	return tok, nil
}

func isUnavailable(err error) bool { return errors.Is(err, ErrValidatorUnavailable) }
