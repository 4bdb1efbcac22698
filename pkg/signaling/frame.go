package signaling

import "encoding/json"

// Значения поля method кадра
const (
	MethodRequest  = "request"
	MethodResponse = "response"
	MethodEvent    = "event"
)

// Значения поля status ответа
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Request кадр команды от клиента
type Request struct {
	ID     uint64          `json:"id"`
	Method string          `json:"method"`
	Name   string          `json:"name"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// Response кадр ответа на команду
type Response struct {
	ID     uint64 `json:"id"`
	Method string `json:"method"`
	Status string `json:"status"`
	Data   any    `json:"data,omitempty"`
}

// Event кадр события сервера
type Event struct {
	Method string `json:"method"`
	Name   string `json:"name"`
	Data   any    `json:"data,omitempty"`
}
