package job

import (
	codexderrors "github.com/randalmurphal/codexd/internal/errors"
)

func errRequired(field string) error {
	return codexderrors.ErrValidationf("%s is required", field)
}

func errInvalid(msg string) error {
	return codexderrors.ErrValidation(msg)
}
