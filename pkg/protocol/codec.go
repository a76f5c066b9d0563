package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"

	"github.com/go-playground/validator/v10"
)

var (
	ErrFrameTooLarge = errors.New("frame exceeds size limit")
	ErrMissingType   = errors.New("event has no type discriminator")
)

// identityPattern is the only format rule an identity must satisfy.
// Uniqueness is enforced separately, and only among live sessions.
var identityPattern = regexp.MustCompile(`^[a-zA-Z0-9_]{3,20}$`)

// ValidIdentity reports whether s is a well-formed identity.
func ValidIdentity(s string) bool {
	return identityPattern.MatchString(s)
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Encode marshals an event for the wire, rejecting frames over
// MaxFrameBytes.
func Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	if len(data) > MaxFrameBytes {
		return nil, ErrFrameTooLarge
	}
	return data, nil
}

// PeekType extracts the type discriminator without decoding the full
// payload.
func PeekType(data []byte) (string, error) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return "", fmt.Errorf("decode event envelope: %w", err)
	}
	if env.Type == "" {
		return "", ErrMissingType
	}
	return env.Type, nil
}

// Decode unmarshals data into a concrete event and checks its
// required fields.
func Decode[T any](data []byte) (T, error) {
	var ev T
	if err := json.Unmarshal(data, &ev); err != nil {
		return ev, fmt.Errorf("decode event: %w", err)
	}
	if err := validate.Struct(&ev); err != nil {
		return ev, fmt.Errorf("invalid event payload: %w", err)
	}
	return ev, nil
}
