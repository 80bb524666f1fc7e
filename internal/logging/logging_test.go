package logging

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestNewWithWriterTagsComponent(t *testing.T) {
	t.Setenv("APP_ENV", "")
	var buf bytes.Buffer
	l := NewWithWriter(&buf, "engine", "debug")
	l.Debug().Int64("mission_id", 42).Msg("applied")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line: %v (%s)", err, buf.String())
	}
	if line["component"] != "engine" {
		t.Fatalf("expected component engine got %v", line["component"])
	}
	if line["mission_id"] != float64(42) {
		t.Fatalf("expected mission_id 42 got %v", line["mission_id"])
	}
}

func TestLevelFiltersBelowThreshold(t *testing.T) {
	t.Setenv("APP_ENV", "")
	var buf bytes.Buffer
	l := NewWithWriter(&buf, "push", "warn")
	l.Info().Msg("hidden")
	if buf.Len() != 0 {
		t.Fatalf("expected info suppressed, got %s", buf.String())
	}
	l.Warn().Msg("shown")
	if buf.Len() == 0 {
		t.Fatalf("expected warn logged")
	}
}

func TestUnknownLevelDefaultsToInfo(t *testing.T) {
	t.Setenv("APP_ENV", "")
	var buf bytes.Buffer
	l := NewWithWriter(&buf, "x", "loud")
	l.Debug().Msg("hidden")
	l.Info().Msg("shown")
	if bytes.Count(buf.Bytes(), []byte("\n")) != 1 {
		t.Fatalf("expected exactly one line, got %q", buf.String())
	}
}
