package scanner_test

import (
	"testing"

	"github.com/WangShayne/ScanWithWeb/internal/protocol"
	"github.com/WangShayne/ScanWithWeb/internal/scanner"
)

func TestCanonicalPixelType(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"RGB", scanner.PixelRGB, true},
		{"rgb", scanner.PixelRGB, true},
		{"Color", scanner.PixelRGB, true},
		{"Gray8", scanner.PixelGray8, true},
		{"GRAY8", scanner.PixelGray8, true},
		{"grey", scanner.PixelGray8, true},
		{"BW1", scanner.PixelBW1, true},
		{"lineart", scanner.PixelBW1, true},
		{" rgb ", scanner.PixelRGB, true},
		{"cmyk", "", false},
		{"", "", false},
	}

	for _, tt := range tests {
		got, err := scanner.CanonicalPixelType(tt.in)
		if tt.ok && (err != nil || got != tt.want) {
			t.Errorf("CanonicalPixelType(%q) = %q, %v; want %q", tt.in, got, err, tt.want)
		}
		if !tt.ok && err == nil {
			t.Errorf("CanonicalPixelType(%q) should fail", tt.in)
		}
	}
}

func TestNormalize(t *testing.T) {
	base := protocol.DefaultScanSettings()

	s := base
	s.PixelType = "gray8"
	got, err := scanner.Normalize(s)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if got.PixelType != scanner.PixelGray8 {
		t.Fatalf("pixel type not canonicalized: %q", got.PixelType)
	}

	s = base
	s.DPI = 0
	if _, err := scanner.Normalize(s); err == nil {
		t.Fatal("dpi 0 should fail")
	}

	s = base
	s.MaxPages = 0
	if _, err := scanner.Normalize(s); err == nil {
		t.Fatal("maxPages 0 should fail")
	}

	s = base
	s.MaxPages = -2
	if _, err := scanner.Normalize(s); err == nil {
		t.Fatal("maxPages -2 should fail")
	}

	s = base
	s.MaxPages = -1
	if _, err := scanner.Normalize(s); err != nil {
		t.Fatalf("maxPages -1 is unlimited and must pass: %v", err)
	}
}

func TestParseDeviceID(t *testing.T) {
	tests := []struct {
		id    string
		tag   string
		local string
	}{
		{"a:ACME ADF", "a", "ACME ADF"},
		{"b:{6BDD1FC6}", "b", "{6BDD1FC6}"},
		{"e:192.168.1.40:443", "e", "192.168.1.40:443"},
		{"ACME ADF", "a", "ACME ADF"},               // bare id → backend a
		{"x:whatever", "a", "x:whatever"},           // unknown prefix is part of the id
		{"Device: the 2nd", "a", "Device: the 2nd"}, // colon in a bare name
	}

	for _, tt := range tests {
		tag, local := scanner.ParseDeviceID(tt.id)
		if tag != tt.tag || local != tt.local {
			t.Errorf("ParseDeviceID(%q) = %q, %q; want %q, %q", tt.id, tag, local, tt.tag, tt.local)
		}
	}
}

func TestJob(t *testing.T) {
	var job scanner.Job

	if !job.Begin("j1") {
		t.Fatal("fresh job should begin")
	}
	if job.Begin("j2") {
		t.Fatal("active job should refuse a second begin")
	}

	for want := 1; want <= 3; want++ {
		if got := job.PageDelivered(); got != want {
			t.Fatalf("ordinal %d, want %d", got, want)
		}
	}

	if !job.Terminate() {
		t.Fatal("first terminal transition must win")
	}
	if job.Terminate() {
		t.Fatal("second terminal transition must lose")
	}
	if job.PageDelivered() != 0 {
		t.Fatal("pages after termination must be dropped")
	}
	if job.Pages() != 3 {
		t.Fatalf("page count changed after termination: %d", job.Pages())
	}

	job.Release()
	if !job.Begin("j3") {
		t.Fatal("released job should accept the next request")
	}
	if job.Pages() != 0 {
		t.Fatal("page counter not reset")
	}
}
