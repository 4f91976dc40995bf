package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/wolfeidau/tablepipe/internal/auth"
	"github.com/wolfeidau/tablepipe/internal/models"
)

type TokenCmd struct {
	OrgID      string        `help:"Organization the token acts for" required:""`
	User       string        `help:"User identifier (token subject)" required:""`
	TTL        time.Duration `help:"Token lifetime" default:"1h"`
	SigningKey string        `help:"PEM-encoded ECDSA signing key" required:"" env:"TABLEPIPE_JWT_SIGNING_KEY"`
}

func (t *TokenCmd) Run(ctx context.Context) error {
	orgID, err := uuid.Parse(t.OrgID)
	if err != nil {
		return fmt.Errorf("invalid org id: %w", err)
	}

	token, err := auth.IssueToken(t.SigningKey, models.Actor{OrgID: orgID, UserID: t.User}, t.TTL)
	if err != nil {
		return err
	}

	fmt.Println(token)
	return nil
}
