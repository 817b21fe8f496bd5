//go:generate go run go.uber.org/mock/mockgen -source=identity.go -destination=mocks/mock_identity.go -package=mocks
package livechat

import (
	"fmt"
	"net/http"

	"github.com/golang-jwt/jwt/v5"
)

// Identity is the current user as seen by a session.
type Identity struct {
	UserID string `json:"userId"`
	Name   string `json:"name"`
	Token  string `json:"-"`
}

// IsCurrentUser reports whether senderID belongs to this identity.
func (i Identity) IsCurrentUser(senderID string) bool {
	return i.UserID != "" && senderID == i.UserID
}

// header returns the transport headers carrying the bearer token.
func (i Identity) header() http.Header {
	h := http.Header{}
	if i.Token != "" {
		h.Set("Authorization", "Bearer "+i.Token)
	}
	return h
}

// IdentityProvider supplies the identity commands are stamped with. It is
// asked again on every dial, so a provider may refresh the token.
type IdentityProvider interface {
	Identity() Identity
}

// StaticIdentity is an IdentityProvider that never changes.
type StaticIdentity Identity

func (s StaticIdentity) Identity() Identity { return Identity(s) }

// IdentityFromToken reads the user from a JWT's claims. The signature is not
// verified: the token only labels outgoing messages and the server checks it.
func IdentityFromToken(token string) (Identity, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return Identity{}, fmt.Errorf("parse token: %w", err)
	}

	id := Identity{Token: token}
	if sub, err := claims.GetSubject(); err == nil {
		id.UserID = sub
	}
	if id.UserID == "" {
		id.UserID = stringClaim(claims, "user_id", "userId")
	}
	id.Name = stringClaim(claims, "name", "preferred_username", "username")
	if id.Name == "" {
		id.Name = id.UserID
	}
	if id.UserID == "" {
		return Identity{}, fmt.Errorf("token carries no subject")
	}
	return id, nil
}

func stringClaim(claims jwt.MapClaims, keys ...string) string {
	for _, k := range keys {
		if v, ok := claims[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}
