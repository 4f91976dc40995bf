// Package provider wraps LLM completion backends behind one interface and one
// error taxonomy.
package provider

import (
	"context"
	"errors"
	"math"
	"net/http"
	"sync"

	"github.com/wolfeidau/tablepipe/internal/apperr"
	"google.golang.org/api/googleapi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Error codes attached to provider errors.
const (
	CodeRateLimited     = "RateLimited"
	CodeTimeout         = "Timeout"
	CodeInvalidResponse = "InvalidResponse"
)

// Completion is one provider response with its usage.
type Completion struct {
	Text         string `json:"text"`
	Model        string `json:"model"`
	InputTokens  int64  `json:"input_tokens"`
	OutputTokens int64  `json:"output_tokens"`
	CostMicros   int64  `json:"cost_micros"`
}

// Provider completes a prompt.
type Provider interface {
	Complete(ctx context.Context, prompt string) (*Completion, error)
	Model() string
}

func RateLimited(cause error) error {
	return apperr.Wrap(apperr.KindTransientProvider, cause, "provider rate limited").WithCode(CodeRateLimited)
}

func Timeout(cause error) error {
	return apperr.Wrap(apperr.KindTransientProvider, cause, "provider timed out").WithCode(CodeTimeout)
}

func InvalidResponse(format string, args ...any) error {
	return apperr.New(apperr.KindPermanentProvider, format, args...).WithCode(CodeInvalidResponse)
}

// Classify maps a raw backend error onto RateLimited, Timeout or
// InvalidResponse. Errors already classified pass through. Unknown failures
// are treated as transient.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout(err)
	}

	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch {
		case gerr.Code == http.StatusTooManyRequests:
			return RateLimited(err)
		case gerr.Code == http.StatusRequestTimeout || gerr.Code == http.StatusGatewayTimeout:
			return Timeout(err)
		case gerr.Code >= 500:
			return apperr.Wrap(apperr.KindTransientProvider, err, "provider unavailable")
		case gerr.Code >= 400:
			return apperr.Wrap(apperr.KindPermanentProvider, err, "provider rejected request").WithCode(CodeInvalidResponse)
		}
	}

	if st, ok := status.FromError(err); ok {
		switch st.Code() {
		case codes.ResourceExhausted:
			return RateLimited(err)
		case codes.DeadlineExceeded:
			return Timeout(err)
		case codes.InvalidArgument, codes.FailedPrecondition, codes.PermissionDenied, codes.Unauthenticated, codes.NotFound:
			return apperr.Wrap(apperr.KindPermanentProvider, err, "provider rejected request").WithCode(CodeInvalidResponse)
		}
	}

	return apperr.Wrap(apperr.KindTransientProvider, err, "provider call failed")
}

// Rate is the USD price per 1K tokens.
type Rate struct {
	Input  float64
	Output float64
}

var defaultRate = Rate{Input: 0.001, Output: 0.002}

var (
	ratesMu sync.RWMutex
	rates   = map[string]Rate{
		"gpt-4o-mini":      {Input: 0.00015, Output: 0.0006},
		"gpt-4o":           {Input: 0.005, Output: 0.015},
		"gpt-3.5-turbo":    {Input: 0.0005, Output: 0.0015},
		"gemini-1.5-pro":   {Input: 0.00125, Output: 0.005},
		"gemini-1.5-flash": {Input: 0.000075, Output: 0.0003},
	}
)

// SetRate overrides or adds the price of a model.
func SetRate(model string, r Rate) {
	ratesMu.Lock()
	defer ratesMu.Unlock()
	rates[model] = r
}

// EstimateCost returns the USD cost rounded to six places.
func EstimateCost(model string, inputTokens, outputTokens int64) float64 {
	ratesMu.RLock()
	rate, ok := rates[model]
	ratesMu.RUnlock()
	if !ok {
		rate = defaultRate
	}
	cost := float64(inputTokens)/1000*rate.Input + float64(outputTokens)/1000*rate.Output
	return math.Round(cost*1e6) / 1e6
}

// CostMicros converts EstimateCost to integer micro-dollars for counters.
func CostMicros(model string, inputTokens, outputTokens int64) int64 {
	return int64(math.Round(EstimateCost(model, inputTokens, outputTokens) * 1e6))
}
