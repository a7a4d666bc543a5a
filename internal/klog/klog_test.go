package klog

import (
	"bytes"
	"log"
	"strings"
	"testing"
)

func newForBuf(buf *bytes.Buffer, debug bool) *Logger {
	return &Logger{Logger: log.New(buf, "", 0), debug: debug}
}

func TestDebugfGatedByFlag(t *testing.T) {
	var buf bytes.Buffer
	l := newForBuf(&buf, false)
	l.Debugf("should not appear")
	if buf.Len() != 0 {
		t.Fatalf("expected no output with debug disabled, got %q", buf.String())
	}

	l2 := newForBuf(&buf, true)
	l2.Debugf("hello %d", 42)
	if !strings.Contains(buf.String(), "hello 42") {
		t.Fatalf("expected debug output, got %q", buf.String())
	}
}

func TestPrintfAlwaysLogs(t *testing.T) {
	var buf bytes.Buffer
	l := newForBuf(&buf, false)
	l.Printf("visible")
	if !strings.Contains(buf.String(), "visible") {
		t.Fatalf("expected Printf output regardless of debug flag, got %q", buf.String())
	}
}
