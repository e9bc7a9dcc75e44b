package config

import (
	"testing"
	"time"
)

func TestParseByteSize(t *testing.T) {
	tests := []struct {
		input   string
		want    int
		wantErr bool
	}{
		{input: "1024", want: 1024},
		{input: "512B", want: 512},
		{input: "64KB", want: 64 * 1024},
		{input: "2MB", want: 2 * 1024 * 1024},
		{input: "1.5MB", want: 1572864},
		{input: "1GB", want: 1024 * 1024 * 1024},
		{input: " 4mb ", want: 4 * 1024 * 1024},
		{input: "-1MB", wantErr: true},
		{input: "lots", wantErr: true},
		{input: "xMB", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := parseByteSize(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseByteSize(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("parseByteSize(%q) = %d, want %d", tt.input, got, tt.want)
			}
		})
	}
}

func TestEnvParser(t *testing.T) {
	t.Run("unset variables leave targets alone", func(t *testing.T) {
		p := &envParser{}
		d := 3 * time.Second
		n := 4
		s := "keep"
		p.parseDuration("HLS_RELAY_TEST_UNSET_DURATION", &d)
		p.parseInt("HLS_RELAY_TEST_UNSET_INT", &n)
		p.parseString("HLS_RELAY_TEST_UNSET_STRING", &s)

		if d != 3*time.Second || n != 4 || s != "keep" {
			t.Errorf("expected targets untouched, got %v %d %q", d, n, s)
		}
		if len(p.errors) != 0 {
			t.Errorf("expected no errors, got %v", p.errors)
		}
	})

	t.Run("non-negative int accepts zero", func(t *testing.T) {
		t.Setenv("HLS_RELAY_TEST_INT", "0")
		p := &envParser{}
		n := 3
		p.parseNonNegativeInt("HLS_RELAY_TEST_INT", &n)
		if n != 0 || len(p.errors) != 0 {
			t.Errorf("expected 0 without errors, got %d %v", n, p.errors)
		}
	})

	t.Run("positive int rejects zero", func(t *testing.T) {
		t.Setenv("HLS_RELAY_TEST_INT", "0")
		p := &envParser{}
		n := 3
		p.parseInt("HLS_RELAY_TEST_INT", &n)
		if n != 3 || len(p.errors) != 1 {
			t.Errorf("expected rejection, got %d %v", n, p.errors)
		}
	})

	t.Run("negative duration rejected", func(t *testing.T) {
		t.Setenv("HLS_RELAY_TEST_DURATION", "-5s")
		p := &envParser{}
		d := time.Second
		p.parseDuration("HLS_RELAY_TEST_DURATION", &d)
		if d != time.Second || len(p.errors) != 1 {
			t.Errorf("expected rejection, got %v %v", d, p.errors)
		}
	})

	t.Run("enum is case insensitive", func(t *testing.T) {
		t.Setenv("HLS_RELAY_TEST_LEVEL", "debug")
		p := &envParser{}
		level := "INFO"
		p.parseEnum("HLS_RELAY_TEST_LEVEL", &level, validLogLevels)
		if level != "DEBUG" || len(p.errors) != 0 {
			t.Errorf("expected DEBUG, got %q %v", level, p.errors)
		}
	})
}
