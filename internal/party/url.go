package party

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrNoBaseURL is returned when no transport base URL is configured.
var ErrNoBaseURL = errors.New("party: base url is empty")

// DefaultParty is used when no party name is configured.
const DefaultParty = "main"

// BuildURL returns {baseURL}/parties/{party}/{room}?token={token} with the
// scheme switched to ws/wss. An empty token is left out of the query.
func BuildURL(baseURL, partyName, room, token string) (string, error) {
	if strings.TrimSpace(baseURL) == "" {
		return "", ErrNoBaseURL
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("party: parse base url: %w", err)
	}

	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("party: unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("party: base url %q has no host", baseURL)
	}
	if partyName == "" {
		partyName = DefaultParty
	}

	u.Path = strings.TrimRight(u.Path, "/") + "/parties/" + partyName + "/" + room
	u.RawPath = ""
	q := url.Values{}
	if token != "" {
		q.Set("token", token)
	}
	u.RawQuery = q.Encode()
	u.Fragment = ""
	return u.String(), nil
}
