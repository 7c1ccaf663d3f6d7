package trailhead

import (
	"errors"
	"fmt"

	"github.com/aretw0/trailhead/pkg/domain"
	"github.com/aretw0/trailhead/pkg/subject"
	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
)

// ErrInvalidParams is returned when submission parameters cannot be decoded or fail validation.
var ErrInvalidParams = errors.New("invalid generation parameters")

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Tenant ids become one token of the event subjects.
	_ = v.RegisterValidation("subject_token", func(fl validator.FieldLevel) bool {
		return subject.ValidateToken(fl.Field().String()) == nil
	})
	return v
}

// DecodeParams turns a free-form parameter map into validated GenerationParams.
// Unknown keys are kept in Extra. Scalars given as strings are converted, so CLI
// style "node_count=12" works.
func DecodeParams(params map[string]any) (domain.GenerationParams, error) {
	var out domain.GenerationParams
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &out,
		WeaklyTypedInput: true,
		TagName:          "mapstructure",
	})
	if err != nil {
		return out, err
	}
	if err := dec.Decode(params); err != nil {
		return out, fmt.Errorf("%w: %w", ErrInvalidParams, err)
	}
	if err := validate.Struct(out); err != nil {
		return out, fmt.Errorf("%w: %w", ErrInvalidParams, err)
	}
	return out, nil
}
