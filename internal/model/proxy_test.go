package model

import "testing"

func TestParseVerb(t *testing.T) {
	tests := []struct {
		method        string
		wantCanonical bool
		wantBody      bool
	}{
		{"GET", true, false},
		{"HEAD", true, false},
		{"DELETE", true, false},
		{"TRACE", true, false},
		{"POST", true, true},
		{"PUT", true, true},
		{"PATCH", true, true},
		{"OPTIONS", true, true},
		{"PROPFIND", false, true},
		{"get", false, true}, // method names are case-sensitive
	}

	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			v := ParseVerb(tt.method)
			if v.String() != tt.method {
				t.Errorf("String() = %q, want %q", v.String(), tt.method)
			}
			if v.Canonical() != tt.wantCanonical {
				t.Errorf("Canonical() = %v, want %v", v.Canonical(), tt.wantCanonical)
			}
			if v.AllowsBody() != tt.wantBody {
				t.Errorf("AllowsBody() = %v, want %v", v.AllowsBody(), tt.wantBody)
			}
		})
	}
}
