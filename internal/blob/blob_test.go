package blob

import (
	"context"
	"fmt"
	"net/http"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/tablepipe/internal/apperr"
	"google.golang.org/api/googleapi"
)

func TestKeys(t *testing.T) {
	org := uuid.Must(uuid.NewV7())
	project := uuid.Must(uuid.NewV7())
	file := uuid.Must(uuid.NewV7())
	export := uuid.Must(uuid.NewV7())

	tests := []struct {
		name string
		key  string
		want string
	}{
		{"source", SourceKey(org, project, file), fmt.Sprintf("%s/%s/%s/source.pdf", org, project, file)},
		{"raw table", RawTableKey(org, project, file, export), fmt.Sprintf("%s/%s/%s/tables/%s", org, project, file, export)},
		{"export", ExportKey(org, project, export, "zip"), fmt.Sprintf("%s/%s/exports/%s.zip", org, project, export)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, tt.key)
			got, err := OrgOf(tt.key)
			require.NoError(t, err)
			require.Equal(t, org, got)
		})
	}

	for _, bad := range []string{"", "exports/x.zip", "not-a-uuid-not-a-uuid-not-a-uuid-1234/x"} {
		_, err := OrgOf(bad)
		require.ErrorIs(t, err, ErrInvalidKey)
	}
}

func TestMemoryWriteOnce(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	key := ExportKey(uuid.New(), uuid.New(), uuid.New(), "json")

	require.NoError(t, m.Put(ctx, key, []byte("first"), "application/json"))
	require.NoError(t, m.Put(ctx, key, []byte("second"), "application/json"))

	got, err := m.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, "first", string(got))

	got[0] = 'X'
	again, err := m.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, "first", string(again))

	require.NoError(t, m.Delete(ctx, key))
	_, err = m.Get(ctx, key)
	require.ErrorIs(t, err, ErrNotFound)
	require.ErrorIs(t, err, apperr.ErrNotFound)

	require.ErrorIs(t, m.Put(ctx, "loose.txt", nil, ""), ErrInvalidKey)
	require.Zero(t, m.Len())
}

func TestPreconditionFailed(t *testing.T) {
	require.True(t, preconditionFailed(&googleapi.Error{Code: http.StatusPreconditionFailed}))
	require.True(t, preconditionFailed(fmt.Errorf("close: %w", &googleapi.Error{Code: http.StatusPreconditionFailed})))
	require.False(t, preconditionFailed(&googleapi.Error{Code: http.StatusForbidden}))
	require.False(t, preconditionFailed(context.Canceled))
}
