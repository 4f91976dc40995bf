package commands

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alecthomas/kong"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	memorystore "github.com/wolfeidau/tablepipe/internal/store/memory"
)

func TestServeFlags(t *testing.T) {
	var cli struct {
		Serve ServeCmd `cmd:""`
	}
	parser, err := kong.New(&cli, kong.Exit(func(int) { t.Fatal("unexpected exit") }))
	require.NoError(t, err)

	_, err = parser.Parse([]string{
		"serve",
		"--no-sweep",
		"--store-type=postgres",
		"--postgres-conn-string=postgres://localhost/tablepipe",
		"--blob-type=gcs",
		"--gcs-bucket=pdfs",
		"--provider=vertex",
		"--vertex-project=acme",
		"--tabula-min-rows=3",
		"--worker-concurrency=2",
	})
	require.NoError(t, err)

	c := cli.Serve
	require.False(t, c.Sweep)
	require.Equal(t, "postgres", c.Store.StoreType)
	require.Equal(t, "postgres://localhost/tablepipe", c.Store.PostgresStore.ConnString)
	require.Equal(t, 10*time.Second, c.Store.PostgresStore.QueryTimeout)
	require.Equal(t, "pdfs", c.Blob.GCS.Bucket)
	require.Equal(t, "us-central1", c.Provider.VertexRegion)
	require.Equal(t, 3, c.Detector.MinRows)
	require.Equal(t, 2, c.Worker.Concurrency)
	require.Equal(t, int64(50<<20), c.MaxUploadBytes)
}

func TestServeFlagsRejectUnknownStore(t *testing.T) {
	var cli struct {
		Serve ServeCmd `cmd:""`
	}
	parser, err := kong.New(&cli, kong.Exit(func(int) {}))
	require.NoError(t, err)

	_, err = parser.Parse([]string{"serve", "--store-type=dynamodb"})
	require.Error(t, err)
}

func TestPostgresFlagsRequireConnString(t *testing.T) {
	f := PostgresStoreFlags{}
	require.Error(t, f.Validate())

	f.ConnString = "postgres://localhost/tablepipe"
	require.NoError(t, f.Validate())
}

func TestNewRuntimeMemory(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pipeline.yaml")
	require.NoError(t, os.WriteFile(path, []byte("retry:\n  max_retries: 5\n"), 0o600))

	rt, err := newRuntime(context.Background(), &Globals{Config: path},
		StoreFlags{StoreType: "memory"},
		ProviderFlags{Provider: "mock"})
	require.NoError(t, err)
	defer rt.Close()

	require.IsType(t, &memorystore.Store{}, rt.store)
	require.Nil(t, rt.pool)
	require.NotNil(t, rt.drafts)
	require.Equal(t, 5, rt.cfg.Retry.MaxRetries)
}

func TestNewRuntimeBadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipeline.yaml")
	require.NoError(t, os.WriteFile(path, []byte("retry:\n  max_retries: 0\n"), 0o600))

	_, err := newRuntime(context.Background(), &Globals{Config: path},
		StoreFlags{StoreType: "memory"},
		ProviderFlags{Provider: "mock"})
	require.Error(t, err)
}

func TestLeaseOwner(t *testing.T) {
	owner, err := leaseOwner()
	require.NoError(t, err)
	require.NotEmpty(t, owner)
}

func TestTokenCmd(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)
	signingKey := string(pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der}))

	cmd := &TokenCmd{OrgID: uuid.Must(uuid.NewV7()).String(), User: "ann", TTL: time.Minute, SigningKey: signingKey}
	require.NoError(t, cmd.Run(context.Background()))

	cmd.OrgID = "acme"
	require.ErrorContains(t, cmd.Run(context.Background()), "invalid org id")

	cmd.OrgID = uuid.Must(uuid.NewV7()).String()
	cmd.SigningKey = "not a key"
	require.Error(t, cmd.Run(context.Background()))
}
