package auth

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/tablepipe/internal/apperr"
	"github.com/wolfeidau/tablepipe/internal/models"
)

func TestActorContext(t *testing.T) {
	_, ok := ActorFromContext(context.Background())
	require.False(t, ok)

	actor := models.Actor{OrgID: uuid.Must(uuid.NewV7()), UserID: "ann"}
	got, ok := ActorFromContext(WithActor(context.Background(), actor))
	require.True(t, ok)
	require.Equal(t, actor, got)
}

func TestRequireOrg(t *testing.T) {
	orgA := uuid.Must(uuid.NewV7())
	orgB := uuid.Must(uuid.NewV7())
	resourceID := uuid.Must(uuid.NewV7())

	tests := []struct {
		name    string
		actor   models.Actor
		org     uuid.UUID
		allowed bool
	}{
		{"same org", models.Actor{OrgID: orgA, UserID: "ann"}, orgA, true},
		{"other org", models.Actor{OrgID: orgB, UserID: "bob"}, orgA, false},
		{"missing org", models.Actor{UserID: "anon"}, uuid.Nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := RequireOrg(context.Background(), tt.actor, tt.org, "task", resourceID)
			if tt.allowed {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, apperr.ErrForbidden)
			require.NotContains(t, apperr.PublicMessage(err), resourceID.String())
		})
	}
}
