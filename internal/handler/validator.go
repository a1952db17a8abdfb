package handler

import (
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
)

// RequestValidator plugs validator/v10 into echo's Context.Validate.
type RequestValidator struct {
	v *validator.Validate
}

func NewRequestValidator() *RequestValidator {
	return &RequestValidator{v: validator.New()}
}

func (r *RequestValidator) Validate(i interface{}) error {
	return r.v.Struct(i)
}

// bind decodes the body into req and validates it.  The returned message
// is empty on success.
func bind(c echo.Context, req interface{}) string {
	if err := c.Bind(req); err != nil {
		return "invalid body"
	}
	if err := c.Validate(req); err != nil {
		return err.Error()
	}
	return ""
}
