package model

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Inbound event types, as sent by the file watcher module on the device.
const (
	EventFileAdded   = "fileadd"
	EventUserRequest = "user_request"
)

// FileEvent is the inbound notification payload.
//
// A "fileadd" event carries the path of a newly written raw file. A
// "user_request" event carries a settings patch from the control plane.
type FileEvent struct {
	Event         string          `json:"event" validate:"required,oneof=fileadd user_request"`
	FileAddedPath string          `json:"file_added_path,omitempty" validate:"required_if=Event fileadd"`
	Settings      json.RawMessage `json:"settings,omitempty" validate:"required_if=Event user_request"`
}

var validate = validator.New()

// Validate checks the event shape.
func (e *FileEvent) Validate() error {
	return validate.Struct(e)
}

// ParseFileEvent decodes and validates an inbound event payload.
func ParseFileEvent(payload []byte) (FileEvent, error) {
	var e FileEvent
	if err := json.Unmarshal(payload, &e); err != nil {
		return FileEvent{}, fmt.Errorf("model: decode file event: %w", err)
	}
	if err := e.Validate(); err != nil {
		return FileEvent{}, fmt.Errorf("model: invalid file event: %w", err)
	}
	return e, nil
}
