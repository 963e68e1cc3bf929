package jobs

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound は永続ストアにジョブが存在しない場合のエラーです。
	ErrNotFound = errors.New("job not found")
	// ErrValidation は入力値が不正な場合のエラーです。
	ErrValidation = errors.New("validation failed")
	// ErrInvariant はレコードの不変条件に違反する書き込みを表します。永続化してはいけません。
	ErrInvariant = errors.New("consistency anomaly")
)

// Error は API へ返却するコード付きエラーです。
type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewValidationError は INVALID_INPUT のエラーを作成します。
func NewValidationError(message string) *Error {
	return &Error{Code: "INVALID_INPUT", Message: message, Err: ErrValidation}
}

// NewNotFoundError は JOB_NOT_FOUND のエラーを作成します。
func NewNotFoundError(jobID string) *Error {
	return &Error{
		Code:    "JOB_NOT_FOUND",
		Message: "指定されたジョブは存在しません。",
		Err:     fmt.Errorf("%w: %s", ErrNotFound, jobID),
	}
}

// IsNotFound は err が ErrNotFound を含むかどうかを返します。
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
