package dbtypes

import (
	"testing"
	"time"
)

func TestCanonicalTimestamp(t *testing.T) {
	manila := time.FixedZone("PHT", 8*60*60)

	testCases := []struct {
		in   string
		want string
	}{
		{"2026-10-15T06:32:00Z", "2026-10-15T14:32:00.000+08:00"},
		{"2026-10-15T06:32:00.123456Z", "2026-10-15T14:32:00.123+08:00"},
		{"2026-10-15T14:32:00+08:00", "2026-10-15T14:32:00.000+08:00"},
		{"2026-10-15T14:32", "2026-10-15T14:32:00.000+08:00"},
		{"2026-10-15 14:32:10", "2026-10-15T14:32:10.000+08:00"},
	}

	for _, tc := range testCases {
		got, err := CanonicalTimestamp(tc.in, manila)
		if err != nil {
			t.Errorf("CanonicalTimestamp(%q) failed: %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("Bad canonical form for %q; got %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestParseTimestampRejectsGarbage(t *testing.T) {
	for _, in := range []string{"", "tomorrow", "2026-13-45T99:00:00Z", "14:32"} {
		if _, err := ParseTimestamp(in, time.UTC); err == nil {
			t.Errorf("ParseTimestamp(%q) succeeded, want error", in)
		}
	}
}

func TestCanonicalOrderIsLexical(t *testing.T) {
	earlier := FormatTimestamp(time.Date(2026, 10, 15, 9, 59, 59, 999e6, time.UTC), time.UTC)
	later := FormatTimestamp(time.Date(2026, 10, 15, 10, 0, 0, 0, time.UTC), time.UTC)
	if !(earlier < later) {
		t.Errorf("Lexical order disagrees with time order: %q vs %q", earlier, later)
	}
}
