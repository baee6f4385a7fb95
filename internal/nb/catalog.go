// Package nb defines the fixed catalog of NB extraction steps and builds
// their prompts.
package nb

import (
	_ "embed"
	"sync"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/nb-research/internal/schema"
)

// StepCount is the number of steps in a full protocol run.
const StepCount = 15

//go:embed catalog.yaml
var catalogYAML []byte

// Step is one NB extraction task.
type Step struct {
	Code            string         `yaml:"code"`
	Title           string         `yaml:"title"`
	Focus           string         `yaml:"focus"`
	EstimatedTokens int            `yaml:"estimated_tokens"`
	MaxTokens       int            `yaml:"max_tokens"`
	Schema          *schema.Schema `yaml:"schema"`
}

type catalogFile struct {
	Steps []Step `yaml:"steps"`
}

var (
	loadOnce sync.Once
	steps    []Step
	byCode   map[string]*Step
	loadErr  error
)

func load() {
	var cf catalogFile
	if err := yaml.Unmarshal(catalogYAML, &cf); err != nil {
		loadErr = eris.Wrap(err, "nb: parse catalog")
		return
	}
	if len(cf.Steps) != StepCount {
		loadErr = eris.Errorf("nb: catalog has %d steps, want %d", len(cf.Steps), StepCount)
		return
	}
	steps = cf.Steps
	byCode = make(map[string]*Step, len(steps))
	for i := range steps {
		s := &steps[i]
		if s.Schema == nil {
			loadErr = eris.Errorf("nb: step %s has no schema", s.Code)
			return
		}
		if _, dup := byCode[s.Code]; dup {
			loadErr = eris.Errorf("nb: duplicate step %s", s.Code)
			return
		}
		byCode[s.Code] = s
	}
}

// All returns the steps in execution order. It panics if the embedded
// catalog is malformed, which the package tests guard against.
func All() []Step {
	loadOnce.Do(load)
	if loadErr != nil {
		panic(loadErr)
	}
	return steps
}

// Codes returns the step codes in execution order.
func Codes() []string {
	all := All()
	codes := make([]string, len(all))
	for i, s := range all {
		codes[i] = s.Code
	}
	return codes
}

// Lookup returns the step for code.
func Lookup(code string) (*Step, bool) {
	All()
	s, ok := byCode[code]
	return s, ok
}

// IsValidCode reports whether code names a catalog step.
func IsValidCode(code string) bool {
	_, ok := Lookup(code)
	return ok
}

// Select returns the steps whose codes are listed, in catalog order. An
// empty list selects every step.
func Select(codes []string) ([]Step, error) {
	if len(codes) == 0 {
		return All(), nil
	}
	want := make(map[string]bool, len(codes))
	for _, c := range codes {
		if !IsValidCode(c) {
			return nil, eris.Errorf("nb: unknown step %q", c)
		}
		want[c] = true
	}
	var out []Step
	for _, s := range All() {
		if want[s.Code] {
			out = append(out, s)
		}
	}
	return out, nil
}
