package schema

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr[T any](v T) *T { return &v }

func testSchema() *Schema {
	return &Schema{
		Type:     TypeObject,
		Required: []string{"summary", "score", "drivers", "profile"},
		Properties: map[string]*Schema{
			"summary": {Type: TypeString},
			"score":   {Type: TypeInteger, Minimum: ptr(1.0), Maximum: ptr(10.0)},
			"stance":  {Type: TypeString, Enum: []any{"positive", "neutral", "negative"}},
			"drivers": {
				Type:     TypeArray,
				MinItems: ptr(1),
				Items: &Schema{
					Type:     TypeObject,
					Required: []string{"name"},
					Properties: map[string]*Schema{
						"name":   {Type: TypeString},
						"weight": {Type: TypeNumber, Minimum: ptr(0.0), Maximum: ptr(1.0)},
					},
				},
			},
			"profile": {
				Type:     TypeObject,
				Required: []string{"sector", "public"},
				Properties: map[string]*Schema{
					"sector": {Type: TypeString},
					"public": {Type: TypeBoolean},
				},
			},
		},
	}
}

func validPayload() map[string]any {
	return map[string]any{
		"summary": "Margins under pressure",
		"score":   7,
		"stance":  "negative",
		"drivers": []any{map[string]any{"name": "input costs", "weight": 0.6}},
		"profile": map[string]any{"sector": "industrials", "public": true},
	}
}

func TestValidate_Valid(t *testing.T) {
	t.Parallel()

	res := Validate(validPayload(), testSchema())
	assert.True(t, res.Valid)
	assert.Empty(t, res.Errors)
}

func TestValidate_NilSchema(t *testing.T) {
	t.Parallel()
	assert.True(t, Validate(map[string]any{"x": 1}, nil).Valid)
}

func TestValidate_AccumulatesErrors(t *testing.T) {
	t.Parallel()

	payload := map[string]any{
		"score":   42,
		"stance":  "bullish",
		"drivers": []any{},
		"profile": map[string]any{"sector": 5},
	}

	res := Validate(payload, testSchema())
	require.False(t, res.Valid)

	joined := strings.Join(res.Errors, "\n")
	assert.Contains(t, joined, "missing required field: summary")
	assert.Contains(t, joined, "missing required field: profile.public")
	assert.Contains(t, joined, "score")
	assert.Contains(t, joined, "stance")
	assert.Contains(t, joined, "drivers")
	assert.Contains(t, joined, "profile.sector")
	assert.GreaterOrEqual(t, len(res.Errors), 6)
}

func TestValidate_TypeMismatch(t *testing.T) {
	t.Parallel()

	p := validPayload()
	p["summary"] = 12
	p["score"] = 2.5

	res := Validate(p, testSchema())
	require.False(t, res.Valid)
	assert.Len(t, res.Errors, 2)
}

func TestValidate_AdditionalProperties(t *testing.T) {
	t.Parallel()

	p := validPayload()
	p["extra"] = "tolerated"
	assert.True(t, Validate(p, testSchema()).Valid)

	strict := &Schema{
		Type:                 TypeObject,
		Properties:           map[string]*Schema{"a": {Type: TypeString}},
		AdditionalProperties: ptr(false),
	}
	assert.False(t, Validate(map[string]any{"a": "x", "b": 1}, strict).Valid)
}

func TestRepair_FillsMissingRequired(t *testing.T) {
	t.Parallel()

	s := testSchema()
	repaired := Repair(map[string]any{"score": 3}, s)

	obj, ok := repaired.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 3, obj["score"], "present field untouched")
	assert.Equal(t, "", obj["summary"])
	assert.Equal(t, []any{}, obj["drivers"])
	assert.Equal(t, map[string]any{"sector": "", "public": false}, obj["profile"])

	res := Validate(repaired, s)
	for _, e := range res.Errors {
		assert.NotContains(t, e, MissingFieldPrefix)
	}
}

func TestRepair_StructuralIdempotence(t *testing.T) {
	t.Parallel()

	s := testSchema()
	inputs := []any{
		nil,
		map[string]any{},
		map[string]any{"summary": "x"},
		map[string]any{"profile": map[string]any{}},
		map[string]any{"drivers": []any{map[string]any{"weight": 0.2}}},
		"oops",
		[]any{1},
		3,
	}

	for _, in := range inputs {
		repaired := Repair(in, s)
		_, isObj := repaired.(map[string]any)
		assert.True(t, isObj, "input %v", in)

		res := Validate(repaired, s)
		for _, e := range res.Errors {
			assert.NotContains(t, e, MissingFieldPrefix, "input %v", in)
			assert.NotContains(t, e, "Invalid type", "input %v", in)
		}
	}
}

func TestRepair_RootArray(t *testing.T) {
	t.Parallel()

	s := &Schema{Type: TypeArray, Items: &Schema{Type: TypeString}}
	assert.Equal(t, []any{}, Repair("oops", s))
	assert.Equal(t, []any{}, Repair(map[string]any{"a": 1}, s))
	assert.Equal(t, []any{"x"}, Repair([]any{"x"}, s))
}

func TestRepair_KeepsPresentNestedValues(t *testing.T) {
	t.Parallel()

	repaired := Repair(map[string]any{"profile": "not an object"}, testSchema())
	obj := repaired.(map[string]any)
	assert.Equal(t, "not an object", obj["profile"])
}

func TestRepair_DoesNotMaskMinItems(t *testing.T) {
	t.Parallel()

	res := Validate(Repair(map[string]any{}, testSchema()), testSchema())
	require.False(t, res.Valid)
	assert.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "drivers")
}

func TestCheck_Outcomes(t *testing.T) {
	t.Parallel()

	s := &Schema{
		Type:     TypeObject,
		Required: []string{"a", "b"},
		Properties: map[string]*Schema{
			"a": {Type: TypeString},
			"b": {Type: TypeInteger},
		},
	}

	ok := Check(map[string]any{"a": "x", "b": 1}, s)
	assert.Equal(t, OutcomeOK, ok.Kind)

	repaired := Check(map[string]any{"a": "x"}, s)
	assert.Equal(t, OutcomeRepaired, repaired.Kind)
	assert.Equal(t, map[string]any{"a": "x", "b": 0}, repaired.Value)
	assert.NotEmpty(t, repaired.Errors)

	invalid := Check(map[string]any{"a": 5}, s)
	assert.Equal(t, OutcomeInvalid, invalid.Kind)
	assert.Equal(t, "invalid", invalid.Kind.String())
}

func TestSynthesize_Conforms(t *testing.T) {
	t.Parallel()

	s := testSchema()
	v := Synthesize(s, "NB1")
	res := Validate(v, s)
	assert.True(t, res.Valid, "errors: %v", res.Errors)

	obj := v.(map[string]any)
	assert.Equal(t, "positive", obj["stance"], "enum picks first value")

	score := obj["score"].(float64)
	assert.GreaterOrEqual(t, score, 1.0)
	assert.LessOrEqual(t, score, 10.0)
}

func TestSynthesize_Deterministic(t *testing.T) {
	t.Parallel()
	assert.Equal(t, Synthesize(testSchema(), "seed"), Synthesize(testSchema(), "seed"))
}

func TestParseJSON(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		in      string
		wantErr bool
	}{
		{"plain", `{"a": 1}`, false},
		{"fenced", "```json\n{\"a\": 1}\n```", false},
		{"bare fence", "```\n{\"a\": 1}\n```", false},
		{"prose around", "Here you go: {\"a\": 1} hope it helps", false},
		{"empty", "   ", true},
		{"garbage", "not json", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			v, err := ParseJSON(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, map[string]any{"a": 1.0}, v)
		})
	}
}
