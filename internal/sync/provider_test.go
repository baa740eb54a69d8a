package sync

import "testing"

func TestNewerPosition(t *testing.T) {
	tests := []struct {
		name    string
		current string
		next    string
		want    string
	}{
		{"empty next keeps current", "100", "", "100"},
		{"empty current takes next", "", "100", "100"},
		{"numeric advance", "100", "250", "250"},
		{"numeric regression ignored", "250", "100", "250"},
		{"numeric equal keeps current", "100", "100", "100"},
		{"numeric not lexical", "99", "100", "100"},
		{"timestamp advance", "2025-06-01T10:00:00Z", "2025-06-01T11:00:00Z", "2025-06-01T11:00:00Z"},
		{"timestamp regression ignored", "2025-06-01T11:00:00Z", "2025-06-01T10:00:00Z", "2025-06-01T11:00:00Z"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := newerPosition(tt.current, tt.next); got != tt.want {
				t.Errorf("newerPosition(%q, %q) = %q, want %q", tt.current, tt.next, got, tt.want)
			}
		})
	}
}

func TestStatusString(t *testing.T) {
	tests := []struct {
		status Status
		want   string
	}{
		{StatusSuccess, "success"},
		{StatusPartialSuccess, "partial_success"},
		{StatusFailure, "failure"},
		{StatusSkipped, "skipped"},
		{Status(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.status.String(); got != tt.want {
			t.Errorf("Status(%d).String() = %q, want %q", tt.status, got, tt.want)
		}
	}
}
