package party

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// TokenProvider returns a fresh auth token for a connection attempt.
type TokenProvider func(ctx context.Context) (string, error)

// StaticToken always returns token.
func StaticToken(token string) TokenProvider {
	return func(context.Context) (string, error) {
		return token, nil
	}
}

// EndpointToken fetches {"token": "..."} from endpoint on every call.
func EndpointToken(client *http.Client, endpoint string) TokenProvider {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return func(ctx context.Context) (string, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return "", fmt.Errorf("token request: %w", err)
		}
		resp, err := client.Do(req)
		if err != nil {
			return "", fmt.Errorf("token request: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return "", fmt.Errorf("token request: unexpected status %d", resp.StatusCode)
		}
		var body struct {
			Token string `json:"token"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return "", fmt.Errorf("token response: %w", err)
		}
		if body.Token == "" {
			return "", errors.New("token response: empty token")
		}
		return body.Token, nil
	}
}

// Claims carried by relay tokens. Maps holds the caller's role per map id.
type Claims struct {
	gojwt.RegisteredClaims
	Maps map[string]string `json:"maps,omitempty"`
}

// RoleFor returns the role granted on mapID, or "".
func (c *Claims) RoleFor(mapID string) string {
	if c == nil || c.Maps == nil {
		return ""
	}
	return c.Maps[mapID]
}

// SignClaims issues an HS256 token.
func SignClaims(claims Claims, secret []byte) (string, error) {
	return gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims).SignedString(secret)
}

// VerifyClaims parses an HS256 token signed with secret.
func VerifyClaims(token string, secret []byte) (*Claims, error) {
	claims := &Claims{}
	_, err := gojwt.ParseWithClaims(token, claims, func(t *gojwt.Token) (any, error) {
		return secret, nil
	}, gojwt.WithValidMethods([]string{gojwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	return claims, nil
}

// SubjectFromToken reads the "sub" claim without verifying the signature.
// It returns "" for anything that does not parse.
func SubjectFromToken(token string) string {
	if token == "" {
		return ""
	}
	parser := gojwt.NewParser()
	claims := gojwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return ""
	}
	sub, _ := claims.GetSubject()
	return sub
}
