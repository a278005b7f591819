package presence

import (
	"testing"
	"time"
)

func TestFormatLastSeen(t *testing.T) {
	loc := time.FixedZone("local", -3*3600)
	now := time.Date(2026, 5, 10, 15, 30, 0, 0, loc)

	tests := []struct {
		name     string
		online   bool
		lastSeen time.Time
		want     string
	}{
		{"online wins", true, now.Add(-48 * time.Hour), "online now"},
		{"never", false, time.Time{}, "never been online"},
		{"just now", false, now.Add(-30 * time.Second), "last seen 0 minutes ago"},
		{"peer clock ahead", false, now.Add(3 * time.Minute), "last seen 0 minutes ago"},
		{"one minute", false, now.Add(-90 * time.Second), "last seen 1 minute ago"},
		{"minutes floored", false, now.Add(-59*time.Minute - 59*time.Second), "last seen 59 minutes ago"},
		{"one hour", false, now.Add(-time.Hour), "last seen 1 hour ago"},
		{"hours", false, now.Add(-23 * time.Hour), "last seen 23 hours ago"},
		{"yesterday", false, time.Date(2026, 5, 9, 10, 0, 0, 0, loc), "last seen yesterday"},
		{"older", false, time.Date(2026, 5, 2, 10, 0, 0, 0, loc), "last seen on 5/2/2026"},
		{"utc input uses local calendar", false, time.Date(2026, 5, 9, 2, 0, 0, 0, time.UTC), "last seen on 5/8/2026"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FormatLastSeen(now, tt.online, tt.lastSeen); got != tt.want {
				t.Errorf("FormatLastSeen() = %q, want %q", got, tt.want)
			}
		})
	}
}
