package server

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
)

// validate is the shared validator instance for request validation.
var validate *validator.Validate

func init() {
	validate = validator.New(validator.WithRequiredStructEnabled())

	// Use JSON tag names in error messages instead of struct field names
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return fld.Name
		}
		return name
	})
}

// WSCommand is a command received from a WebSocket client.
type WSCommand struct {
	Type string          `json:"type"`
	ID   string          `json:"id,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// responder queues outbound messages for one WebSocket client. It never
// blocks: a full queue drops the message and logs through the
// connection's logger.
type responder struct {
	send chan<- any
	log  zerolog.Logger
}

// decodeAndValidate decodes the command payload and validates the struct.
// Returns false after sending an error response.
func decodeAndValidate[T any](cmd WSCommand, resp responder, data *T) bool {
	if len(cmd.Data) > 0 {
		if err := json.Unmarshal(cmd.Data, data); err != nil {
			resp.Error(cmd.Type, fmt.Errorf("invalid JSON: %w", err))
			return false
		}
	}

	if err := validate.Struct(data); err != nil {
		resp.ValidationError(cmd.Type, err)
		return false
	}

	return true
}

// Success sends a success response for a command.
func (r responder) Success(cmdType string, data any) {
	result := map[string]any{
		"type":    cmdType + "_result",
		"success": true,
	}
	if data != nil {
		result["data"] = data
	}
	r.trySend(cmdType, result)
}

// Error sends an error response for a command.
func (r responder) Error(cmdType string, err error) {
	result := map[string]any{
		"type":    cmdType + "_result",
		"success": false,
		"error":   err.Error(),
	}
	r.trySend(cmdType, result)
}

// ValidationError converts validator errors into field/message pairs.
func (r responder) ValidationError(cmdType string, err error) {
	fields := map[string]string{}
	if verrs, ok := err.(validator.ValidationErrors); ok {
		for _, e := range verrs {
			fields[e.Field()] = formatValidationMessage(e)
		}
	} else {
		fields[""] = err.Error()
	}

	result := map[string]any{
		"type":    cmdType + "_result",
		"success": false,
		"error":   "validation failed",
		"fields":  fields,
	}
	r.trySend(cmdType, result)
}

// Event forwards a bus event to the client.
func (r responder) Event(topic string, payload json.RawMessage) {
	result := map[string]any{
		"type":  "event",
		"topic": topic,
		"data":  payload,
	}
	r.trySend(topic, result)
}

// trySend attempts to send a message, logging a warning if the queue is full.
func (r responder) trySend(cmdType string, msg any) {
	select {
	case r.send <- msg:
	default:
		r.log.Warn().Str("type", cmdType).Msg("Failed to send response: channel full or closed")
	}
}

// formatValidationMessage creates a human-readable message from a validator error.
func formatValidationMessage(e validator.FieldError) string {
	switch e.Tag() {
	case "required":
		return "is required"
	case "max":
		return fmt.Sprintf("must be at most %s", e.Param())
	case "oneof":
		return fmt.Sprintf("must be one of: %s", e.Param())
	default:
		return fmt.Sprintf("failed validation '%s'", e.Tag())
	}
}
