package logging

import (
	"log/slog"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"", slog.LevelInfo, false},
		{"info", slog.LevelInfo, false},
		{"debug", slog.LevelDebug, false},
		{"warn", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"  ERROR  ", slog.LevelError, false},
		{"Debug", slog.LevelDebug, false},
		{"verbose", 0, true},
		{"trace", 0, true},
	}
	for _, tc := range cases {
		got, err := parseLevel(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("parseLevel(%q) accepted", tc.in)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Errorf("parseLevel(%q) = %v, %v; want %v", tc.in, got, err, tc.want)
		}
	}
}

func TestConfigureRejectsUnknownLevel(t *testing.T) {
	if err := Configure("loud"); err == nil {
		t.Fatal("expected error for unknown level")
	}
}
