package logging

import (
	"bytes"
	"os"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"debug":   zerolog.DebugLevel,
		"WARNING": zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"":        zerolog.InfoLevel,
		"bogus":   zerolog.InfoLevel,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewJSONWritesStructuredFields(t *testing.T) {
	var buf bytes.Buffer
	log, closer, err := New(Config{Level: "info", Format: "json", Output: &buf})
	if err != nil {
		t.Fatal(err)
	}
	defer closer.Close()

	log.Debug().Msg("hidden")
	log.Info().Str("source", "bilibili").Msg("pass started")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("debug line should be filtered: %s", out)
	}
	if !strings.Contains(out, `"source":"bilibili"`) {
		t.Fatalf("missing structured field: %s", out)
	}
}

func TestNewWritesDailyFile(t *testing.T) {
	dir := t.TempDir()
	var buf bytes.Buffer
	log, closer, err := New(Config{Format: "json", Dir: dir, Output: &buf})
	if err != nil {
		t.Fatal(err)
	}
	log.Info().Msg("to file")
	if err := closer.Close(); err != nil {
		t.Fatal(err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || !strings.HasSuffix(entries[0].Name(), ".log") {
		t.Fatalf("expected one daily log file, got %v", entries)
	}
}
