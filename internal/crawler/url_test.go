package crawler

import (
	"errors"
	"testing"
)

func TestNormalizeTarget(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"HTTPS://Example.COM:443/a?b=2&a=1#frag", "https://example.com/a?a=1&b=2"},
		{"http://example.com:80", "http://example.com/"},
		{"http://example.com:8080/x", "http://example.com:8080/x"},
		{"  https://[::1]:443/  ", "https://[::1]/"},
	}
	for _, tt := range tests {
		got, err := NormalizeTarget(tt.in)
		if err != nil {
			t.Fatalf("NormalizeTarget(%q) error = %v", tt.in, err)
		}
		if got != tt.want {
			t.Fatalf("NormalizeTarget(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNormalizeTargetRejects(t *testing.T) {
	t.Parallel()

	for _, in := range []string{"ftp://example.com", "file:///etc/passwd", "example.com", "https://user:pw@example.com", "http://"} {
		if _, err := NormalizeTarget(in); !errors.Is(err, ErrInvalidTarget) {
			t.Fatalf("NormalizeTarget(%q) error = %v, want ErrInvalidTarget", in, err)
		}
	}
}
