package engine

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func requestValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
	})
	return validate
}

// validateRequest checks the struct tags of a request and reports every
// failing field in a single validation error.
func validateRequest(op string, req interface{}) error {
	err := requestValidator().Struct(req)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return NewValidationError(err.Error()).WithOperation(op)
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, fmt.Sprintf("%s is required", fe.Field()))
		case "required_with":
			msgs = append(msgs, fmt.Sprintf("%s is required with %s", fe.Field(), fe.Param()))
		case "nefield":
			msgs = append(msgs, fmt.Sprintf("%s must differ from %s", fe.Field(), fe.Param()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
		}
	}
	return NewValidationError(strings.Join(msgs, "; ")).WithOperation(op)
}

// admissionError classifies an admitter refusal. Engine errors pass through;
// anything else counts as a policy denial.
func admissionError(op string, err error) error {
	if err == nil {
		return nil
	}
	var ee *EngineError
	if errors.As(err, &ee) {
		if ee.Operation == "" {
			ee.Operation = op
		}
		return err
	}
	return NewPermanentError("request denied by admission", err).
		WithCode(ErrCodePolicyDenied).
		WithOperation(op)
}
