package relay

import (
	"collab-sync/internal/models"
	"collab-sync/internal/party"
)

// Access is who a session acts as.
type Access struct {
	UserID string
	Role   string
}

// Denial is the close a refused connection gets right after the upgrade.
type Denial struct {
	Code   int
	Reason string
}

// A token that does not verify is not final: the client fetches a fresh
// one and retries.
const (
	CloseUnauthorized   = 4401
	ReasonInvalidToken  = "invalid_token"
	defaultOpenModeRole = models.RoleOwner
)

// authorize applies the access policy to a connection for name.
//
// Without a JWT secret every connection is admitted as owner, identified by
// the token subject when there is one and as anonymous otherwise. With a
// secret the token must verify; sharing rooms need the owner role and every
// other channel needs some role on the map.
func (h *Hub) authorize(name models.RoomName, token string) (Access, *Denial) {
	if len(h.cfg.JWTSecret) == 0 {
		user := party.SubjectFromToken(token)
		if user == "" {
			user = models.AnonymousUser
		}
		if h.isRevoked(name.ID, user, nil) {
			return Access{}, &Denial{Code: models.CloseCodeForbidden, Reason: models.CloseReasonAccessRevoked}
		}
		return Access{UserID: user, Role: defaultOpenModeRole}, nil
	}

	claims, err := party.VerifyClaims(token, h.cfg.JWTSecret)
	if err != nil || claims.Subject == "" {
		return Access{}, &Denial{Code: CloseUnauthorized, Reason: ReasonInvalidToken}
	}
	if h.isRevoked(name.ID, claims.Subject, claims) {
		return Access{}, &Denial{Code: models.CloseCodeForbidden, Reason: models.CloseReasonAccessRevoked}
	}

	role := claims.RoleFor(name.ID)
	if name.Channel == models.ChannelSharing && role != models.RoleOwner {
		return Access{}, &Denial{Code: models.CloseCodeForbidden, Reason: models.CloseReasonOwnerOnly}
	}
	if view, _, _ := models.Capabilities(role); !view {
		return Access{}, &Denial{Code: models.CloseCodeForbidden, Reason: models.CloseReasonAccessRevoked}
	}
	return Access{UserID: claims.Subject, Role: role}, nil
}

// isRevoked reports whether userID lost access to mapID. A token issued after
// the revocation grants access again.
func (h *Hub) isRevoked(mapID, userID string, claims *party.Claims) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	rev, ok := h.revoked[mapID][userID]
	if !ok {
		return false
	}
	if claims != nil && claims.IssuedAt != nil && claims.IssuedAt.Time.After(rev.at) {
		delete(h.revoked[mapID], userID)
		return false
	}
	return true
}
