package log

import (
	"bytes"
	stdlog "log"
	"strings"
	"testing"
)

func newCapturing(threshold Level) (*StdLogger, *bytes.Buffer) {
	var buf bytes.Buffer
	return &StdLogger{Logger: stdlog.New(&buf, "", 0), Threshold: threshold}, &buf
}

func TestThresholdSuppressesBelowLevel(t *testing.T) {
	l, buf := newCapturing(LevelWarn)
	l.Debug("should not appear")
	l.Info("should not appear either")
	if buf.Len() != 0 {
		t.Errorf("expected nothing logged below threshold, got %q", buf.String())
	}
	l.Warn("this one should appear")
	if !strings.Contains(buf.String(), "this one should appear") {
		t.Errorf("expected Warn output, got %q", buf.String())
	}
}

func TestLevelsFormatArgs(t *testing.T) {
	l, buf := newCapturing(LevelSilly)
	l.Error("package %s failed: %v", "widgets", "boom")
	got := buf.String()
	if !strings.Contains(got, "package widgets failed: boom") {
		t.Errorf("formatted output = %q", got)
	}
	if !strings.Contains(got, "[error]") {
		t.Errorf("expected [error] prefix, got %q", got)
	}
}
