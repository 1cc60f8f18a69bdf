package gateway

import (
	"encoding/json"
	"fmt"
	"regexp"
)

// MaxContentLength bounds the message body.
const MaxContentLength = 500

// DefaultAnimation and DefaultColorTheme fill omitted optional fields so
// every broadcast payload is fully populated.
const (
	DefaultAnimation  = "flip"
	DefaultColorTheme = "monochrome"
)

var codePattern = regexp.MustCompile(`^[A-Z0-9]{6}$`)

var allowedAnimations = map[string]bool{
	"flip":    true,
	"fade":    true,
	"slide":   true,
	"instant": true,
}

var allowedColorThemes = map[string]bool{
	"monochrome": true,
	"amber":      true,
	"green":      true,
	"blue":       true,
}

// FieldError names the offending field so clients can render an actionable
// message rather than a bare failure.
type FieldError struct {
	Field   string
	Message string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidCode reports whether code is a well-formed 6-character session code.
func ValidCode(code string) bool {
	return codePattern.MatchString(code)
}

// ValidateMessage parses a message:send payload against the schema and
// returns a fully-populated record with defaults filled in.
func ValidateMessage(raw json.RawMessage) (MessagePayload, *FieldError) {
	var payload MessagePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return MessagePayload{}, &FieldError{Field: "payload", Message: "malformed message payload"}
	}

	if !ValidCode(payload.SessionCode) {
		return MessagePayload{}, &FieldError{Field: "sessionCode", Message: "must be 6 uppercase alphanumeric characters"}
	}

	if payload.Content == "" {
		return MessagePayload{}, &FieldError{Field: "content", Message: "content is required"}
	}
	if len(payload.Content) > MaxContentLength {
		return MessagePayload{}, &FieldError{
			Field:   "content",
			Message: fmt.Sprintf("content exceeds %d characters", MaxContentLength),
		}
	}

	if payload.AnimationType == "" {
		payload.AnimationType = DefaultAnimation
	} else if !allowedAnimations[payload.AnimationType] {
		return MessagePayload{}, &FieldError{Field: "animationType", Message: "unknown animation type"}
	}

	if payload.ColorTheme == "" {
		payload.ColorTheme = DefaultColorTheme
	} else if !allowedColorThemes[payload.ColorTheme] {
		return MessagePayload{}, &FieldError{Field: "colorTheme", Message: "unknown color theme"}
	}

	return payload, nil
}
