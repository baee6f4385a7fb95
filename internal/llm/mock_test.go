package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/nb-research/internal/schema"
)

func stepSchema() *schema.Schema {
	lo, hi := 1.0, 5.0
	return &schema.Schema{
		Type:     schema.TypeObject,
		Required: []string{"summary", "rating"},
		Properties: map[string]*schema.Schema{
			"summary": {Type: schema.TypeString},
			"rating":  {Type: schema.TypeInteger, Minimum: &lo, Maximum: &hi},
		},
	}
}

func TestMock_SynthesizesConformantJSON(t *testing.T) {
	t.Parallel()

	m := NewMock(0)
	req := Request{
		System:      "sys",
		User:        "Sources:\n[acme-src-1] Annual report\ntext\n\n[acme-src-2] 10-Q\n\n[acme-src-3] News",
		Schema:      stepSchema(),
		ExpectJSON:  true,
		Temperature: 0.9,
		Step:        "NB4",
	}

	resp, err := m.Call(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, MockModel, resp.Model)
	assert.InDelta(t, DefaultTemperatureCap, resp.Temperature, 1e-12)
	assert.Positive(t, resp.TokensUsed)
	assert.Equal(t, resp.InputTokens+resp.OutputTokens, resp.TokensUsed)

	v, err := schema.ParseJSON(resp.Content)
	require.NoError(t, err)
	assert.True(t, schema.Validate(v, stepSchema()).Valid)

	require.Len(t, resp.Citations, mockCitations)
	assert.Equal(t, "acme-src-1", resp.Citations[0].SourceID)
	assert.Equal(t, "acme-src-2", resp.Citations[1].SourceID)

	again, err := m.Call(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, resp.Content, again.Content, "deterministic")
	assert.Len(t, m.Calls(), 2)
}

func TestMock_RegisteredResponse(t *testing.T) {
	t.Parallel()

	m := NewMock(0.2)
	m.Register("sys", "user", `{"summary":"canned"}`)

	resp, err := m.Call(context.Background(), Request{System: "sys", User: "user", Schema: stepSchema()})
	require.NoError(t, err)
	assert.Equal(t, `{"summary":"canned"}`, resp.Content)

	other, err := m.Call(context.Background(), Request{System: "sys", User: "user2", Schema: stepSchema()})
	require.NoError(t, err)
	assert.NotEqual(t, resp.Content, other.Content)
}

func TestMock_FailNext(t *testing.T) {
	t.Parallel()

	m := NewMock(0)
	boom := errors.New("boom")
	m.FailNext("NB2", boom)
	m.FailNext("", errors.New("any"))

	_, err := m.Call(context.Background(), Request{Step: "NB2"})
	assert.ErrorIs(t, err, boom)

	_, err = m.Call(context.Background(), Request{Step: "NB2"})
	assert.EqualError(t, err, "any")

	resp, err := m.Call(context.Background(), Request{Step: "NB2"})
	require.NoError(t, err)
	assert.Equal(t, "mock response", resp.Content)
}

func TestMock_ContextCancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewMock(0).Call(ctx, Request{})
	assert.ErrorIs(t, err, context.Canceled)
}
