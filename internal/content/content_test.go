package content

import (
	"strings"
	"testing"
)

func TestSanitizeName(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"Plain text", "Hello World", "Hello World"},
		{"Surrounding spaces", "  Book club ", "Book club"},
		{"HTML tags", "Hello <b>World</b>", "Hello World"},
		{"Script tag", "<script>alert('xss')</script>Hello", "Hello"},
		{"Emoji", "I am 🤖", "I am 🤖"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SanitizeName(tt.input); got != tt.expected {
				t.Errorf("SanitizeName() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestValidateName(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr error
	}{
		{"Valid", "Weekend plans", nil},
		{"Blank", "   ", ErrEmptyName},
		{"Only markup", "<script>x</script>", ErrEmptyName},
		{"Too long", strings.Repeat("a", MaxNameLength+1), ErrNameTooLong},
		{"Max length", strings.Repeat("я", MaxNameLength), nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ValidateName(tt.input); err != tt.wantErr {
				t.Errorf("ValidateName() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateEmail(t *testing.T) {
	tests := []struct {
		input   string
		wantErr bool
	}{
		{"alice@example.com", false},
		{"alice", true},
		{"Alice <alice@example.com>", true},
		{"", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if err := ValidateEmail(tt.input); (err != nil) != tt.wantErr {
				t.Errorf("ValidateEmail() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestMessageText(t *testing.T) {
	if got := MessageText(" hi ", true, false); got != "hi" {
		t.Errorf("expected typed text to win, got %q", got)
	}
	if got := MessageText("", true, false); got != PhotoPlaceholder {
		t.Errorf("expected photo placeholder, got %q", got)
	}
	if got := MessageText("  ", false, true); got != VoicePlaceholder {
		t.Errorf("expected voice placeholder, got %q", got)
	}
	if got := MessageText("", false, false); got != "" {
		t.Errorf("expected empty content, got %q", got)
	}
}
