package eventlog

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, LevelWarn)
	l.Info("should not appear")
	l.Warn("should appear", String("key", "val"))

	out := buf.String()
	if strings.Contains(out, "should not appear") {
		t.Errorf("info message leaked through warn filter: %q", out)
	}
	if !strings.Contains(out, "should appear") || !strings.Contains(out, "key=val") {
		t.Errorf("warn message missing expected content: %q", out)
	}
}

func TestWithCarriesAttrs(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, LevelInfo).With(String("session", "s1"))
	l.Error("boom", Err(errors.New("disk full")))

	out := buf.String()
	if !strings.Contains(out, "session=s1") {
		t.Errorf("missing carried attr: %q", out)
	}
	if !strings.Contains(out, "err=disk full") {
		t.Errorf("missing err attr: %q", out)
	}
}
