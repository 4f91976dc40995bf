package auth

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/wolfeidau/tablepipe/internal/models"
)

// Issuer is the iss claim on tokens minted by IssueToken.
const Issuer = "tablepipe"

// Claims carries the principal in a bearer token. The subject is the user id.
type Claims struct {
	OrgID string `json:"org_id"`
	jwt.RegisteredClaims
}

// Verifier validates ES256 bearer tokens and maps them to an actor.
type Verifier struct {
	publicKey *ecdsa.PublicKey
}

// NewVerifierFromPEM creates a verifier from a PEM-encoded ECDSA public key.
func NewVerifierFromPEM(publicKeyPEM string) (*Verifier, error) {
	if publicKeyPEM == "" {
		return nil, errors.New("JWT public key not provided")
	}

	publicKey, err := jwt.ParseECPublicKeyFromPEM([]byte(publicKeyPEM))
	if err != nil {
		return nil, err
	}

	return &Verifier{publicKey: publicKey}, nil
}

// Verify checks the token signature and expiry and returns the actor it names.
func (v *Verifier) Verify(tokenStr string) (models.Actor, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodES256 {
			return nil, errors.New("invalid signing method")
		}
		return v.publicKey, nil
	}, jwt.WithExpirationRequired(), jwt.WithIssuer(Issuer))
	if err != nil {
		return models.Actor{}, fmt.Errorf("invalid token: %w", err)
	}
	if !parsed.Valid {
		return models.Actor{}, errors.New("token invalid")
	}

	orgID, err := uuid.Parse(claims.OrgID)
	if err != nil || orgID == uuid.Nil {
		return models.Actor{}, errors.New("missing or invalid org_id claim")
	}
	subject := strings.TrimSpace(claims.Subject)
	if subject == "" || subject == models.ActorSystem {
		return models.Actor{}, errors.New("missing or invalid sub claim")
	}

	return models.Actor{OrgID: orgID, UserID: subject}, nil
}
