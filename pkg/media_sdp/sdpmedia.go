// Package media_sdp собирает SDP документы WebRTC транспорта SFU:
// offer с треками, которые сервер отправляет (consumers), и answer на offer
// клиента с треками, которые сервер принимает (producers).
package media_sdp

import (
	"errors"
	"fmt"

	"github.com/pion/sdp/v3"

	"github.com/arzzra/soft_sfu/pkg/ortc"
)

// Consumer описывает трек, который сервер отправляет клиенту
type Consumer struct {
	ID            string
	Kind          ortc.MediaKind
	RtpParameters ortc.RtpParameters
}

// ProducerRequest параметры трека клиента, извлеченные из offer
type ProducerRequest struct {
	Kind          ortc.MediaKind
	RtpParameters ortc.RtpParameters
	TrackID       string
}

// Answer результат обработки offer клиента
type Answer struct {
	// Producers по одному на каждый отправляемый клиентом трек
	Producers []ProducerRequest
	// RemoteDtlsParameters параметры клиента с разрешенной ролью
	RemoteDtlsParameters ortc.DtlsParameters
	// LocalDtlsRole роль сервера, записанная в answer
	LocalDtlsRole ortc.DtlsRole
	SDP           string
}

// ParseSessionDescription разбирает текст SDP
func ParseSessionDescription(text string) (*sdp.SessionDescription, error) {
	desc := &sdp.SessionDescription{}
	if err := desc.Unmarshal([]byte(text)); err != nil {
		return nil, WrapSDPError(ErrorCodeSDPParsing, "", err, "Не удалось разобрать SDP")
	}
	return desc, nil
}

// SDPErrorCode определяет коды ошибок для SDP операций
type SDPErrorCode int

const (
	ErrorCodeInvalidConfig SDPErrorCode = iota + 2000
	ErrorCodeSDPGeneration
	ErrorCodeSDPParsing
	ErrorCodeIncompatibleCodec
	ErrorCodeNegotiation
	ErrorCodeMidNotFound
)

// SDPError представляет ошибку в SDP операциях
type SDPError struct {
	Code        SDPErrorCode
	Message     string
	TransportID string
	Wrapped     error
}

// NewSDPError создает новую SDP ошибку
func NewSDPError(code SDPErrorCode, format string, args ...interface{}) *SDPError {
	return &SDPError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// NewSDPErrorWithTransport создает новую SDP ошибку с указанием транспорта
func NewSDPErrorWithTransport(code SDPErrorCode, transportID string, format string, args ...interface{}) *SDPError {
	return &SDPError{
		Code:        code,
		Message:     fmt.Sprintf(format, args...),
		TransportID: transportID,
	}
}

// WrapSDPError оборачивает существующую ошибку в SDPError
func WrapSDPError(code SDPErrorCode, transportID string, err error, format string, args ...interface{}) *SDPError {
	return &SDPError{
		Code:        code,
		Message:     fmt.Sprintf(format, args...),
		TransportID: transportID,
		Wrapped:     err,
	}
}

// Error реализует интерфейс error
func (e *SDPError) Error() string {
	msg := fmt.Sprintf("SDP Error [%d]: %s", e.Code, e.Message)
	if e.TransportID != "" {
		msg += fmt.Sprintf(" (Transport: %s)", e.TransportID)
	}
	if e.Wrapped != nil {
		msg += fmt.Sprintf(" - Wrapped: %v", e.Wrapped)
	}
	return msg
}

// Unwrap возвращает обернутую ошибку для поддержки errors.Is/As
func (e *SDPError) Unwrap() error {
	return e.Wrapped
}

// IsSDPError проверяет, является ли ошибка SDPError с указанным кодом
func IsSDPError(err error, code SDPErrorCode) bool {
	var sdpErr *SDPError
	if !errors.As(err, &sdpErr) {
		return false
	}
	return sdpErr.Code == code
}
