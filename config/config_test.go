package config

import (
	"testing"
	"time"
)

func TestParseFilesize(t *testing.T) {
	cases := []struct {
		in   string
		want int64
		ok   bool
	}{
		{"500M", 500 * 1024 * 1024, true},
		{"2G", 2 * 1024 * 1024 * 1024, true},
		{"64k", 64 * 1024, true},
		{"1048576", 1048576, true},
		{"1.5G", 1610612736, true},
		{" 10M ", 10 * 1024 * 1024, true},
		{"", 0, false},
		{"tenM", 0, false},
	}
	for _, c := range cases {
		got, err := ParseFilesize(c.in)
		if c.ok != (err == nil) {
			t.Errorf("ParseFilesize(%q) err = %v, want ok=%v", c.in, err, c.ok)
			continue
		}
		if c.ok && got != c.want {
			t.Errorf("ParseFilesize(%q) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestDurationOverride(t *testing.T) {
	t.Setenv("RETROVERT_MAX_DURATION", "30m")
	if got := GetMaxDuration(); got != 30*time.Minute {
		t.Errorf("GetMaxDuration = %v, want 30m", got)
	}
}

func TestFilesizeOverride(t *testing.T) {
	t.Setenv("RETROVERT_MAX_FILESIZE", "500M")
	if got := GetMaxFilesize(); got != 500*1024*1024 {
		t.Errorf("GetMaxFilesize = %d", got)
	}
}

func TestConcurrencyDefault(t *testing.T) {
	if got := GetConcurrencyCeiling(); got != 1 {
		t.Errorf("GetConcurrencyCeiling default = %d, want 1", got)
	}
}
