package ortc

import (
	"errors"
	"fmt"
)

// ErrorCode код ошибки согласования
type ErrorCode int

const (
	ErrorCodeNoMatchingCodec ErrorCode = iota + 3000
	ErrorCodeNoSsrc
	ErrorCodeNoActiveSection
	ErrorCodeNoFingerprint
	ErrorCodeInvalidProfileLevelID
	ErrorCodeProfileMismatch
)

// NegotiationError ошибка согласования возможностей
type NegotiationError struct {
	Code    ErrorCode
	Message string
	Wrapped error
}

// NewNegotiationError создает новую ошибку согласования
func NewNegotiationError(code ErrorCode, format string, args ...interface{}) *NegotiationError {
	return &NegotiationError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// Error реализует интерфейс error
func (e *NegotiationError) Error() string {
	msg := fmt.Sprintf("Negotiation Error [%d]: %s", e.Code, e.Message)
	if e.Wrapped != nil {
		msg += fmt.Sprintf(" - Wrapped: %v", e.Wrapped)
	}
	return msg
}

// Unwrap возвращает обернутую ошибку для поддержки errors.Is/As
func (e *NegotiationError) Unwrap() error {
	return e.Wrapped
}

// IsNegotiationError проверяет, является ли ошибка NegotiationError с указанным кодом
func IsNegotiationError(err error, code ErrorCode) bool {
	var negErr *NegotiationError
	if !errors.As(err, &negErr) {
		return false
	}
	return negErr.Code == code
}
