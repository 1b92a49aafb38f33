package login_test

import (
	"testing"

	"github.com/cmorten/gatehouse/internal/login"
	"github.com/stretchr/testify/assert"
)

func TestSafeRedirect(t *testing.T) {
	const (
		base = "https://cloud.example.com"
		home = "/home"
	)

	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"empty falls back", "", home},
		{"relative path", "/files", "/files"},
		{"relative path with query", "/files?dir=docs", "/files?dir=docs"},
		{"same origin absolute", "https://cloud.example.com/files", "/files"},
		{"other origin", "https://evil.example.com/files", home},
		{"scheme relative other host", "//evil.example.com/files", home},
		{"userinfo trick", "https://cloud.example.com@evil.example.com/", home},
		{"at sign anywhere", "/files?email=a@b.example", home},
		{"not a path", "files", home},
		{"unparseable", "https://%zz", home},
		{"scheme mismatch", "http://cloud.example.com/files", home},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, login.SafeRedirect(tt.raw, base, home))
		})
	}
}

func TestDeviceName(t *testing.T) {
	assert.Equal(t, "Unknown client", login.DeviceName(""))
	assert.Equal(t, "Firefox", login.DeviceName("  Firefox  "))

	long := make([]byte, 300)
	for i := range long {
		long[i] = 'a'
	}
	assert.Len(t, login.DeviceName(string(long)), 120)
}
