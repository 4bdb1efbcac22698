package sfu

import (
	"errors"
	"fmt"

	"github.com/arzzra/soft_sfu/pkg/media_sdp"
	"github.com/arzzra/soft_sfu/pkg/ortc"
)

// ErrorCode определяет коды ошибок команд
type ErrorCode int

const (
	ErrorCodeValidation ErrorCode = iota + 4000
	ErrorCodeNotFound
	ErrorCodeNegotiation
	ErrorCodeEngine
	ErrorCodeState
)

// String возвращает имя кода для ответа клиенту
func (c ErrorCode) String() string {
	switch c {
	case ErrorCodeValidation:
		return "validation"
	case ErrorCodeNotFound:
		return "notFound"
	case ErrorCodeNegotiation:
		return "negotiation"
	case ErrorCodeEngine:
		return "engine"
	case ErrorCodeState:
		return "state"
	default:
		return "unknown"
	}
}

// CommandError ошибка выполнения команды пира
type CommandError struct {
	Code    ErrorCode
	Message string
	Wrapped error
}

// ErrorPayload тело ответа с ошибкой
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewCommandError создает ошибку команды
func NewCommandError(code ErrorCode, format string, args ...interface{}) *CommandError {
	return &CommandError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// WrapCommandError оборачивает причину в ошибку команды
func WrapCommandError(code ErrorCode, err error, format string, args ...interface{}) *CommandError {
	return &CommandError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Wrapped: err,
	}
}

func (e *CommandError) Error() string {
	if e.Wrapped != nil && e.Code != ErrorCodeEngine {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *CommandError) Unwrap() error {
	return e.Wrapped
}

// Payload возвращает тело ответа клиенту
func (e *CommandError) Payload() ErrorPayload {
	msg := e.Message
	if e.Wrapped != nil && e.Code != ErrorCodeEngine {
		msg = fmt.Sprintf("%s: %v", e.Message, e.Wrapped)
	}
	return ErrorPayload{Code: e.Code.String(), Message: msg}
}

// IsCommandError проверяет, является ли ошибка ошибкой команды с указанным кодом
func IsCommandError(err error, code ErrorCode) bool {
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) {
		return cmdErr.Code == code
	}
	return false
}

// AsCommandError приводит любую ошибку к ошибке команды.
// Ошибки согласования и SDP получают код negotiation.
func AsCommandError(err error) *CommandError {
	if err == nil {
		return nil
	}
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) {
		return cmdErr
	}
	var negErr *ortc.NegotiationError
	var sdpErr *media_sdp.SDPError
	if errors.As(err, &negErr) || errors.As(err, &sdpErr) {
		return WrapCommandError(ErrorCodeNegotiation, err, "ошибка согласования")
	}
	// Сообщение движка передается клиенту как есть
	return &CommandError{Code: ErrorCodeEngine, Message: err.Error(), Wrapped: err}
}

func notFound(what, id string) *CommandError {
	return NewCommandError(ErrorCodeNotFound, "%s не найден [id:%s]", what, id)
}

func invalid(format string, args ...interface{}) *CommandError {
	return NewCommandError(ErrorCodeValidation, format, args...)
}
