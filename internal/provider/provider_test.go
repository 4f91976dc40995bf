package provider

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/tablepipe/internal/apperr"
	"google.golang.org/api/googleapi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind apperr.Kind
		code string
	}{
		{"http 429", &googleapi.Error{Code: http.StatusTooManyRequests}, apperr.KindTransientProvider, CodeRateLimited},
		{"http 504", &googleapi.Error{Code: http.StatusGatewayTimeout}, apperr.KindTransientProvider, CodeTimeout},
		{"http 503", &googleapi.Error{Code: http.StatusServiceUnavailable}, apperr.KindTransientProvider, ""},
		{"http 400", &googleapi.Error{Code: http.StatusBadRequest}, apperr.KindPermanentProvider, CodeInvalidResponse},
		{"grpc exhausted", status.Error(codes.ResourceExhausted, "quota"), apperr.KindTransientProvider, CodeRateLimited},
		{"grpc deadline", status.Error(codes.DeadlineExceeded, "slow"), apperr.KindTransientProvider, CodeTimeout},
		{"grpc invalid", status.Error(codes.InvalidArgument, "bad"), apperr.KindPermanentProvider, CodeInvalidResponse},
		{"context deadline", context.DeadlineExceeded, apperr.KindTransientProvider, CodeTimeout},
		{"unknown", errors.New("connection reset"), apperr.KindTransientProvider, ""},
		{"already classified", InvalidResponse("empty"), apperr.KindPermanentProvider, CodeInvalidResponse},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.err)
			require.Equal(t, tt.kind, apperr.KindOf(got))
			require.Equal(t, tt.code, apperr.CodeOf(got))
		})
	}

	require.NoError(t, Classify(nil))
}

func TestEstimateCost(t *testing.T) {
	tests := []struct {
		model string
		in    int64
		out   int64
		want  float64
	}{
		{"gpt-4o-mini", 1000, 1000, 0.00075},
		{"gpt-4o", 2000, 500, 0.0175},
		{"gpt-3.5-turbo", 1000, 0, 0.0005},
		{"unknown-model", 1000, 1000, 0.003},
		{"gpt-4o-mini", 1, 1, 0.000001},
	}

	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			require.InDelta(t, tt.want, EstimateCost(tt.model, tt.in, tt.out), 1e-9)
		})
	}

	require.Equal(t, int64(17500), CostMicros("gpt-4o", 2000, 500))
}

func TestMock(t *testing.T) {
	ctx := context.Background()
	m := NewMock("gpt-4o-mini",
		MockResponse{Err: &googleapi.Error{Code: http.StatusTooManyRequests}},
		MockResponse{Text: "**Purpose**\nshort"},
	)

	_, err := m.Complete(ctx, "prompt")
	require.ErrorIs(t, err, apperr.ErrTransientProvider)

	c, err := m.Complete(ctx, "prompt text here")
	require.NoError(t, err)
	require.Equal(t, "gpt-4o-mini", c.Model)
	require.Equal(t, int64(4), c.InputTokens)

	c, err = m.Complete(ctx, "prompt")
	require.NoError(t, err)
	require.Equal(t, MockText, c.Text)
	require.Equal(t, 3, m.Calls())
}

func TestMockDelayHonoursContext(t *testing.T) {
	m := NewMock("").WithDelay(time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := m.Complete(ctx, "prompt")
	require.ErrorIs(t, err, apperr.ErrTransientProvider)
	require.Equal(t, CodeTimeout, apperr.CodeOf(err))
}
