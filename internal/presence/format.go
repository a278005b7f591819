package presence

import (
	"fmt"
	"time"
)

// FormatLastSeen renders a peer's presence line. Calendar comparisons use
// now's location.
func FormatLastSeen(now time.Time, online bool, lastSeen time.Time) string {
	if online {
		return "online now"
	}
	if lastSeen.IsZero() {
		return "never been online"
	}
	seen := lastSeen.In(now.Location())
	d := max(now.Sub(seen), 0)

	if hours := int(d / time.Hour); hours < 1 {
		return fmt.Sprintf("last seen %s ago", plural(int(d/time.Minute), "minute"))
	} else if hours < 24 {
		return fmt.Sprintf("last seen %s ago", plural(hours, "hour"))
	}
	if y := now.AddDate(0, 0, -1); sameDay(seen, y) {
		return "last seen yesterday"
	}
	return "last seen on " + seen.Format("1/2/2006")
}

func plural(n int, unit string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s", unit)
	}
	return fmt.Sprintf("%d %ss", n, unit)
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
