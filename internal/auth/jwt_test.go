package auth

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/tablepipe/internal/models"
)

func generateKeyPEMs(t *testing.T) (string, string) {
	t.Helper()
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	privateDER, err := x509.MarshalECPrivateKey(privateKey)
	require.NoError(t, err)
	publicDER, err := x509.MarshalPKIXPublicKey(&privateKey.PublicKey)
	require.NoError(t, err)

	privatePEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: privateDER})
	publicPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: publicDER})
	return string(privatePEM), string(publicPEM)
}

func TestNewVerifierFromPEM(t *testing.T) {
	t.Run("empty public key", func(t *testing.T) {
		v, err := NewVerifierFromPEM("")
		require.Error(t, err)
		require.Nil(t, v)
		require.Equal(t, "JWT public key not provided", err.Error())
	})

	t.Run("invalid PEM", func(t *testing.T) {
		v, err := NewVerifierFromPEM("invalid pem")
		require.Error(t, err)
		require.Nil(t, v)
	})

	t.Run("valid public key PEM", func(t *testing.T) {
		_, publicPEM := generateKeyPEMs(t)
		v, err := NewVerifierFromPEM(publicPEM)
		require.NoError(t, err)
		require.NotNil(t, v)
	})
}

func TestVerify(t *testing.T) {
	privatePEM, publicPEM := generateKeyPEMs(t)
	v, err := NewVerifierFromPEM(publicPEM)
	require.NoError(t, err)

	actor := models.Actor{OrgID: uuid.Must(uuid.NewV7()), UserID: "ann"}

	t.Run("issued token round trips", func(t *testing.T) {
		token, err := IssueToken(privatePEM, actor, time.Hour)
		require.NoError(t, err)

		got, err := v.Verify(token)
		require.NoError(t, err)
		require.Equal(t, actor, got)
	})

	t.Run("expired token", func(t *testing.T) {
		token, err := IssueToken(privatePEM, actor, -time.Minute)
		require.NoError(t, err)

		_, err = v.Verify(token)
		require.ErrorIs(t, err, jwt.ErrTokenExpired)
	})

	t.Run("other key", func(t *testing.T) {
		otherPEM, _ := generateKeyPEMs(t)
		token, err := IssueToken(otherPEM, actor, time.Hour)
		require.NoError(t, err)

		_, err = v.Verify(token)
		require.ErrorIs(t, err, jwt.ErrTokenSignatureInvalid)
	})

	t.Run("system subject rejected", func(t *testing.T) {
		token, err := IssueToken(privatePEM, models.Actor{OrgID: actor.OrgID, UserID: models.ActorSystem}, time.Hour)
		require.NoError(t, err)

		_, err = v.Verify(token)
		require.ErrorContains(t, err, "sub claim")
	})

	t.Run("missing org", func(t *testing.T) {
		token, err := IssueToken(privatePEM, models.Actor{UserID: "ann"}, time.Hour)
		require.NoError(t, err)

		_, err = v.Verify(token)
		require.ErrorContains(t, err, "org_id claim")
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := v.Verify("not.a.token")
		require.Error(t, err)
	})
}
