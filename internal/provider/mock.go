package provider

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockText is the canned draft returned when no backend is configured.
const MockText = `**Purpose**
This table contains structured data extracted from a document.

**Structure**
The table is organized in rows and columns with a header row providing context for each column.

**Key Rules**
- Table structure follows standard row/column format
- Column headers provide context for data interpretation

**Exceptions**
- Some cells may contain merged content spanning multiple rows or columns

**Data Quality Notes**
This is a mock draft generated for development. A configured provider would describe the actual table content.`

// Mock is an offline provider for development and tests. Responses are
// consumed in order; once exhausted every call returns MockText.
type Mock struct {
	mu        sync.Mutex
	name      string
	responses []MockResponse
	calls     int
	delay     time.Duration
}

// MockResponse scripts one call. A non-nil Err is returned instead of text.
type MockResponse struct {
	Text string
	Err  error
}

var _ Provider = (*Mock)(nil)

// NewMock creates a mock provider reporting the given model name.
func NewMock(model string, responses ...MockResponse) *Mock {
	if model == "" {
		model = "mock"
	}
	return &Mock{name: model, responses: responses}
}

// WithDelay makes every call block for d or until ctx is done.
func (m *Mock) WithDelay(d time.Duration) *Mock {
	m.delay = d
	return m
}

// Model returns the reported model name.
func (m *Mock) Model() string { return m.name }

// Calls reports how many times Complete ran.
func (m *Mock) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Complete returns the next scripted response. Token counts are estimated at
// four characters per token.
func (m *Mock) Complete(ctx context.Context, prompt string) (*Completion, error) {
	m.mu.Lock()
	idx := m.calls
	m.calls++
	m.mu.Unlock()

	start := time.Now()
	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			recordCall(ctx, m.name, start, ctx.Err())
			return nil, Timeout(ctx.Err())
		}
	}

	resp := MockResponse{Text: MockText}
	if idx < len(m.responses) {
		resp = m.responses[idx]
	}
	recordCall(ctx, m.name, start, resp.Err)
	if resp.Err != nil {
		return nil, Classify(resp.Err)
	}
	if resp.Text == "" {
		return nil, InvalidResponse("provider returned no text")
	}

	in := int64(len(prompt) / 4)
	out := int64(len(resp.Text) / 4)
	return &Completion{
		Text:         resp.Text,
		Model:        m.name,
		InputTokens:  in,
		OutputTokens: out,
		CostMicros:   CostMicros(m.name, in, out),
	}, nil
}

func (m *Mock) String() string {
	return fmt.Sprintf("mock(%s)", m.name)
}
