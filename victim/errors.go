package victim

import (
	"errors"
	"strings"
)

var (
	// ErrInvalidProfile is matched by every validation failure of New.
	ErrInvalidProfile = errors.New("invalid victim profile")

	// ErrProfileImmutable is returned when decoding into a profile that
	// was already built.
	ErrProfileImmutable = errors.New("victim profile is immutable")

	// ErrUnknownVictim is returned when selecting a name the registry does not hold.
	ErrUnknownVictim = errors.New("unknown victim")
)

// ProfileError describes which field of a profile failed validation.
type ProfileError struct {
	Field   string
	Message string
	Cause   error
}

func (e *ProfileError) Error() string {
	var sb strings.Builder
	sb.WriteString(ErrInvalidProfile.Error())
	if e.Field != "" {
		sb.WriteString(": ")
		sb.WriteString(e.Field)
	}
	if e.Message != "" {
		sb.WriteString(" ")
		sb.WriteString(e.Message)
	}
	if e.Cause != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Cause.Error())
	}
	return sb.String()
}

func (e *ProfileError) Unwrap() error {
	return e.Cause
}

// Is makes every ProfileError match ErrInvalidProfile.
func (e *ProfileError) Is(target error) bool {
	return target == ErrInvalidProfile
}

func invalid(field, message string) *ProfileError {
	return &ProfileError{Field: field, Message: message}
}
