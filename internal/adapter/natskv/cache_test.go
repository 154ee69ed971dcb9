package natskv

import "testing"

func TestKVKey(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"policy:v12", "policy.v12"},
		{"policy:latest", "policy.latest"},
		{"a b*c>d", "a_b_c_d"},
		{"plain", "plain"},
	}
	for _, tt := range tests {
		if got := kvKey(tt.in); got != tt.want {
			t.Errorf("kvKey(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
