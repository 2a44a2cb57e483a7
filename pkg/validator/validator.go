package validator

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	gvalidator "github.com/go-playground/validator/v10"

	"github.com/milan604/rtl433dp-console/pkg/apperr"
)

// Validator wraps go-playground validator and converts its errors into *apperr.AppError.
type Validator struct {
	v           *gvalidator.Validate
	messages    map[string]func(gvalidator.FieldError) string
	fieldNameFn func(reflect.StructField) string
}

// Engine is what handlers need from a Validator.
type Engine interface {
	Struct(s any) error
	ParseError(err error) *apperr.AppError
}

// New returns a Validator and points gin's binding engine at the same
// json/form/uri/mapstructure field naming.
func New() *Validator {
	fieldNameFn := func(f reflect.StructField) string {
		for _, tag := range []string{"json", "form", "uri", "mapstructure"} {
			if name := tagName(f, tag); name != "" {
				return name
			}
		}
		return f.Name
	}

	v := gvalidator.New(gvalidator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(fieldNameFn)
	if be, ok := binding.Validator.Engine().(*gvalidator.Validate); ok {
		be.RegisterTagNameFunc(fieldNameFn)
	}

	vi := &Validator{
		v:           v,
		messages:    map[string]func(gvalidator.FieldError) string{},
		fieldNameFn: fieldNameFn,
	}
	vi.RegisterMessage("required", func(fe gvalidator.FieldError) string {
		return fmt.Sprintf("%s is required", fe.Field())
	})
	vi.RegisterMessage("url", func(fe gvalidator.FieldError) string {
		return fmt.Sprintf("%s must be an absolute URL", fe.Field())
	})
	return vi
}

func tagName(f reflect.StructField, tag string) string {
	value := f.Tag.Get(tag)
	if value == "-" {
		return ""
	}
	return strings.SplitN(value, ",", 2)[0]
}

func (vi *Validator) RegisterValidation(tag string, fn gvalidator.Func) error {
	return vi.v.RegisterValidation(tag, fn)
}

// RegisterMessage sets the client-facing message for a failed tag.
func (vi *Validator) RegisterMessage(tag string, builder func(gvalidator.FieldError) string) {
	vi.messages[tag] = builder
}

// Struct validates s against its `validate` tags.
func (vi *Validator) Struct(s any) error {
	return vi.v.Struct(s)
}

// ParseError converts a binding, validation or JSON decoding error into an AppError.
func (vi *Validator) ParseError(err error) *apperr.AppError {
	if err == nil {
		return nil
	}

	var (
		verrs     gvalidator.ValidationErrors
		typeErr   *json.UnmarshalTypeError
		syntaxErr *json.SyntaxError
	)
	switch {
	case errors.As(err, &verrs):
		appErr := apperr.New(apperr.ErrorCodeValidationFail)
		for _, fe := range verrs {
			appErr.AddSuggestion(fe.Field(), vi.message(fe))
		}
		return appErr
	case errors.As(err, &typeErr):
		appErr := apperr.New(apperr.ErrorCodeInvalidRequest)
		if typeErr.Field == "" {
			return appErr
		}
		return appErr.AddSuggestion(typeErr.Field, fmt.Sprintf("expected %s", typeErr.Type))
	case errors.As(err, &syntaxErr):
		return apperr.New(apperr.ErrorCodeInvalidRequest).WithMessage("Invalid JSON payload")
	default:
		return apperr.Newf(apperr.ErrorCodeInvalidRequest, "Invalid input: %v", err)
	}
}

func (vi *Validator) message(fe gvalidator.FieldError) string {
	if b, ok := vi.messages[fe.Tag()]; ok {
		return b(fe)
	}
	if fe.Param() != "" {
		return fmt.Sprintf("%s failed on '%s' (param=%s)", fe.Field(), fe.Tag(), fe.Param())
	}
	return fmt.Sprintf("%s failed on '%s'", fe.Field(), fe.Tag())
}

// BindJSON binds and validates the JSON body into T.
func BindJSON[T any](vi Engine, ctx *gin.Context) (*T, *apperr.AppError) {
	var req T
	if err := ctx.ShouldBindJSON(&req); err != nil {
		return nil, vi.ParseError(err)
	}
	return &req, nil
}

// BindURI binds and validates path parameters into T.
func BindURI[T any](vi Engine, ctx *gin.Context) (*T, *apperr.AppError) {
	var req T
	if err := ctx.ShouldBindUri(&req); err != nil {
		return nil, vi.ParseError(err)
	}
	return &req, nil
}

// BindQuery binds and validates query parameters into T.
func BindQuery[T any](vi Engine, ctx *gin.Context) (*T, *apperr.AppError) {
	var req T
	if err := ctx.ShouldBindQuery(&req); err != nil {
		return nil, vi.ParseError(err)
	}
	return &req, nil
}
