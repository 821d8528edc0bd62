package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
)

func TestNewProductionWritesJSON(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.GlobalLevel())
	zerolog.SetGlobalLevel(zerolog.DebugLevel)

	var out, console bytes.Buffer
	l := New("production", &out, &console)
	l.Info().Str("task_id", "abc").Msg("hello")

	var entry map[string]interface{}
	if err := json.Unmarshal(out.Bytes(), &entry); err != nil {
		t.Fatalf("Expected JSON output, got %q: %v", out.String(), err)
	}
	if entry["task_id"] != "abc" || entry["message"] != "hello" {
		t.Errorf("Unexpected entry: %v", entry)
	}
	if console.Len() != 0 {
		t.Errorf("Expected no console output in production, got %q", console.String())
	}
}

func TestNewDevelopmentWritesConsole(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.GlobalLevel())
	zerolog.SetGlobalLevel(zerolog.DebugLevel)

	var out, console bytes.Buffer
	l := New("development", &out, &console)
	l.Info().Msg("hello")

	if out.Len() != 0 {
		t.Errorf("Expected nothing on out, got %q", out.String())
	}
	if !bytes.Contains(console.Bytes(), []byte("hello")) {
		t.Errorf("Expected console output to contain message, got %q", console.String())
	}
}

func TestSetLevel(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.GlobalLevel())

	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"WARN", zerolog.WarnLevel},
		{" error ", zerolog.ErrorLevel},
		{"", zerolog.InfoLevel},
		{"verbose", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		if got := SetLevel(tt.in); got != tt.want {
			t.Errorf("SetLevel(%q) = %s, want %s", tt.in, got, tt.want)
		}
		if zerolog.GlobalLevel() != tt.want {
			t.Errorf("Global level after %q = %s, want %s", tt.in, zerolog.GlobalLevel(), tt.want)
		}
	}
}
