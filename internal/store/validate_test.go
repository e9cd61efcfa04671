package store

import (
	"strings"
	"testing"
)

func TestValidateID(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		wantErr bool
	}{
		{"empty", "", false},
		{"normal", "research-worker", false},
		{"max_length", strings.Repeat("a", 255), false},
		{"too_long", strings.Repeat("a", 256), true},
		{"way_too_long", strings.Repeat("x", 1000), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateID("task", tt.id)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateID(%d chars) error = %v, wantErr %v", len(tt.id), err, tt.wantErr)
			}
			if err != nil && !strings.HasPrefix(err.Error(), "task identifier") {
				t.Errorf("error should name the field: %v", err)
			}
		})
	}
}
