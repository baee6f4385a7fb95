package llm

import (
	"context"
	"encoding/json"
	"regexp"
	"sync"

	"github.com/rotisserie/eris"

	"github.com/sells-group/nb-research/internal/schema"
)

// MockModel is the model name reported by MockCapability.
const MockModel = "mock-deterministic"

// mockCitations is how many listed sources a synthetic payload cites.
const mockCitations = 2

var sourceLine = regexp.MustCompile(`(?m)^\[([^\]\s]+)\] `)

type promptKey struct{ system, user string }

// MockCapability is a deterministic provider for tests and offline runs.
// Canned responses registered for an exact (system, user) pair win;
// otherwise a schema yields a synthetic conformant payload that cites the
// first sources listed in the prompt.
type MockCapability struct {
	tempCap float64

	mu       sync.Mutex
	canned   map[promptKey]string
	failures map[string][]error
	calls    []Request
}

// NewMock creates a MockCapability. tempCap <= 0 means the default cap.
func NewMock(tempCap float64) *MockCapability {
	return &MockCapability{
		tempCap:  tempCap,
		canned:   make(map[promptKey]string),
		failures: make(map[string][]error),
	}
}

// Model returns MockModel.
func (m *MockCapability) Model() string { return MockModel }

// Register makes Call return content for the exact prompt pair.
func (m *MockCapability) Register(system, user, content string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.canned[promptKey{system, user}] = content
}

// FailNext queues errors returned by the next calls for step, one per
// call. An empty step matches any call.
func (m *MockCapability) FailNext(step string, errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[step] = append(m.failures[step], errs...)
}

// Calls returns the requests received so far.
func (m *MockCapability) Calls() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Request(nil), m.calls...)
}

// Call answers req deterministically.
func (m *MockCapability) Call(ctx context.Context, req Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.calls = append(m.calls, req)
	err := m.popFailure(req.Step)
	content, canned := m.canned[promptKey{req.System, req.User}]
	m.mu.Unlock()

	if err != nil {
		return nil, err
	}

	if !canned {
		var err error
		content, err = m.synthesize(req)
		if err != nil {
			return nil, err
		}
	}

	in := estimateTokens(req.System) + estimateTokens(req.User)
	out := estimateTokens(content)
	resp := &Response{
		Content:      content,
		DurationMs:   int64(1 + len(content)%50),
		TokensUsed:   in + out,
		InputTokens:  in,
		OutputTokens: out,
		Model:        MockModel,
		Temperature:  ClampTemperature(req.Temperature, m.tempCap),
	}
	if req.ExpectJSON || req.Schema != nil {
		resp.Citations = ParseCitations(content)
	}
	return resp, nil
}

func (m *MockCapability) popFailure(step string) error {
	for _, key := range []string{step, ""} {
		if q := m.failures[key]; len(q) > 0 {
			m.failures[key] = q[1:]
			return q[0]
		}
	}
	return nil
}

func (m *MockCapability) synthesize(req Request) (string, error) {
	if req.Schema == nil {
		if req.ExpectJSON {
			return "{}", nil
		}
		return "mock response", nil
	}

	v := schema.Synthesize(req.Schema, req.Step)
	obj, ok := v.(map[string]any)
	if ok {
		var cites []map[string]any
		for _, match := range sourceLine.FindAllStringSubmatch(req.User, mockCitations) {
			cites = append(cites, map[string]any{"source_id": match[1], "quote": "Synthetic quote " + req.Step})
		}
		if len(cites) > 0 {
			obj[CitationsKey] = cites
		}
		v = obj
	}

	b, err := json.Marshal(v)
	if err != nil {
		return "", eris.Wrap(err, "llm: mock marshal")
	}
	return string(b), nil
}
