package errs

import "errors"

var (
	ErrValidation = errors.New("body and username are required")

	ErrMessageNotFound    = errors.New("message not found")
	ErrStorageUnavailable = errors.New("internal error")
)
