package content

import (
	"errors"
	"net/mail"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

const (
	// Labels stored as message content when a media payload has no text.
	PhotoPlaceholder = "Photo"
	VoicePlaceholder = "Voice message"

	MaxNameLength    = 64
	MinPasswordChars = 6
)

var (
	policy = bluemonday.StrictPolicy()

	ErrEmptyName    = errors.New("name cannot be empty")
	ErrNameTooLong  = errors.New("name is too long")
	ErrInvalidEmail = errors.New("invalid email")
)

// SanitizeName strips any markup from a user or room name and trims it.
func SanitizeName(input string) string {
	return strings.TrimSpace(policy.Sanitize(strings.TrimSpace(input)))
}

// ValidateName sanitizes the name and checks it is usable as a user or room name.
func ValidateName(input string) (string, error) {
	name := SanitizeName(input)
	if name == "" {
		return "", ErrEmptyName
	}
	if len([]rune(name)) > MaxNameLength {
		return "", ErrNameTooLong
	}
	return name, nil
}

// ValidateEmail checks the address is a bare email address.
func ValidateEmail(email string) error {
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return ErrInvalidEmail
	}
	return nil
}

// MessageText returns the content to store for a message: the typed text, or the
// placeholder of the media payload when the text is blank.
func MessageText(text string, hasImage, hasAudio bool) string {
	text = strings.TrimSpace(text)
	switch {
	case text != "":
		return text
	case hasImage:
		return PhotoPlaceholder
	case hasAudio:
		return VoicePlaceholder
	default:
		return ""
	}
}

// DirectRoomName is the name of the one-to-one room with the given contact.
func DirectRoomName(contactName string) string {
	return "Chat with " + contactName
}
