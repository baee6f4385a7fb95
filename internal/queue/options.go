package queue

import (
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/rotisserie/eris"

	"github.com/sells-group/nb-research/internal/model"
	"github.com/sells-group/nb-research/internal/nb"
)

// Options shape a queued run.
type Options struct {
	// ForceRefresh disables snapshot reuse.
	ForceRefresh bool `json:"force_refresh"`
	// Steps restricts the run to the listed step codes.
	Steps []string `json:"steps,omitempty" validate:"omitempty,unique,dive,nbcode"`
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func optionsValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
		_ = validate.RegisterValidation("nbcode", func(fl validator.FieldLevel) bool {
			return nb.IsValidCode(fl.Field().String())
		})
	})
	return validate
}

// Validate checks the options.
func (o Options) Validate() error {
	if err := optionsValidator().Struct(o); err != nil {
		return eris.Wrap(err, "options")
	}
	return nil
}

func (o Options) mode(targetID string) model.RunMode {
	switch {
	case targetID != "":
		return model.RunModeComparison
	case len(o.Steps) > 0:
		return model.RunModePartial
	default:
		return model.RunModeFull
	}
}
