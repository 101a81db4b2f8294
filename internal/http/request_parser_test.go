package http

import "testing"

func TestSanitizeInput(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"  VK-HDFCBK  ", "VK-HDFCBK"},
		{"AX\x00-ICICI\x1b", "AX-ICICI"},
		{"line\tone", "line\tone"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := sanitizeInput(tt.in); got != tt.want {
			t.Errorf("sanitizeInput(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestCapturedAtZeroMeansNow(t *testing.T) {
	if !(captureRequest{}).capturedAt().IsZero() {
		t.Fatal("zero captured_at must map to the zero time")
	}
	if got := (captureRequest{CapturedAt: 1000}).capturedAt().Unix(); got != 1 {
		t.Fatalf("unix = %d", got)
	}
}
