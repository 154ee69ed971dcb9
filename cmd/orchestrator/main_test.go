package main

import (
	"slices"
	"testing"
)

func TestOriginHosts(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"http://localhost:3000", []string{"localhost:3000"}},
		{"https://a.example.com, http://b.example.com:8080", []string{"a.example.com", "b.example.com:8080"}},
		{"*", []string{"*"}},
	}
	for _, tt := range tests {
		if got := originHosts(tt.in); !slices.Equal(got, tt.want) {
			t.Errorf("originHosts(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
