package service

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/Bald0Wang/DeepSeek-Oracle/internal/apperr"
)

// AnalyzeRequest is the body of POST /analyze and POST /check_cache
type AnalyzeRequest struct {
	Date          string `json:"date" validate:"required,birthdate"`
	Timezone      *int   `json:"timezone" validate:"required,min=0,max=12"`
	Gender        string `json:"gender" validate:"required,oneof=男 女"`
	Calendar      string `json:"calendar" validate:"required,oneof=solar lunar"`
	Provider      string `json:"provider" validate:"omitempty,keypart"`
	Model         string `json:"model" validate:"omitempty,keypart"`
	PromptVersion string `json:"prompt_version" validate:"omitempty,keypart"`

	CreatedBy string `json:"-"`
}

var fieldMessages = map[string]string{
	"date":           "date must be YYYY-MM-DD",
	"timezone":       "timezone must be an integer between 0 and 12",
	"gender":         "gender must be 男 or 女",
	"calendar":       "calendar must be solar or lunar",
	"provider":       "provider must not contain '|'",
	"model":          "model must not contain '|'",
	"prompt_version": "prompt_version must not contain '|'",
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	// a real calendar date in YYYY-MM-DD
	_ = v.RegisterValidation("birthdate", func(fl validator.FieldLevel) bool {
		_, err := time.Parse("2006-01-02", fl.Field().String())
		return err == nil
	})
	// cache key parts are joined with '|'
	_ = v.RegisterValidation("keypart", func(fl validator.FieldLevel) bool {
		return !strings.Contains(fl.Field().String(), "|")
	})
	return v
}

// validationError converts the first validator failure into an A1001 error
func validationError(err error) error {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return apperr.Validation("body", err.Error())
	}
	fe := fieldErrs[0]
	msg, ok := fieldMessages[fe.Field()]
	if !ok {
		msg = fmt.Sprintf("%s is invalid", fe.Field())
	}
	if fe.Tag() == "required" {
		msg = fe.Field() + " is required"
	}
	return apperr.Validation(fe.Field(), msg)
}
