// Package validator checks configuration and incoming channel posts against
// their struct tags.
package validator

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/pauljones0/tg-site-mirror/internal/models"
)

// Validator is a wrapper around the validator library.
type Validator struct {
	validate *validator.Validate
}

// New creates a Validator with the post rules registered.
func New() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterStructValidation(postHasContent, models.Post{})
	return &Validator{validate: v}
}

// A post must carry something to show: text, a caption or an attachment.
func postHasContent(sl validator.StructLevel) {
	p := sl.Current().Interface().(models.Post)
	if strings.TrimSpace(p.RawCaption) == "" && strings.TrimSpace(p.RawBody) == "" && p.Media == nil {
		sl.ReportError(p.RawBody, "RawBody", "RawBody", "content", "")
	}
}

// ValidateStruct validates a struct based on its tags.
func (v *Validator) ValidateStruct(s interface{}) error {
	err := v.validate.Struct(s)
	if err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}

// ValidatePost checks one channel message before it enters the pipeline.
func (v *Validator) ValidatePost(p models.Post) error {
	if err := v.validate.Struct(p); err != nil {
		return fmt.Errorf("post %q invalid: %w", p.ID, err)
	}
	return nil
}
