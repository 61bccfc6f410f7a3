package logger

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestConfigureRejectsBadLevel(t *testing.T) {
	l := Logger()
	if err := l.Configure("nope", "json", "stdout", 0); err == nil {
		t.Fatal("expected error for invalid level")
	}
}

func TestConfigureRejectsBadFormat(t *testing.T) {
	l := Logger()
	if err := l.Configure("info", "xml", "stdout", 0); err == nil {
		t.Fatal("expected error for invalid format")
	}
}

func TestWithComponentField(t *testing.T) {
	l := Logger()
	var buf bytes.Buffer
	l.SetOutput(&buf)

	l.WithComponent("feed").Info("connected")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log output is not JSON: %v", err)
	}
	if entry["component"] != "feed" {
		t.Errorf("component = %v, want feed", entry["component"])
	}
	if entry["message"] != "connected" {
		t.Errorf("message = %v, want connected", entry["message"])
	}
}

func TestTextFormat(t *testing.T) {
	l := Logger()
	if err := l.Configure("debug", "text", "stdout", 0); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	var buf bytes.Buffer
	l.SetOutput(&buf)
	l.WithFields(Fields{"order_id": "abc"}).Info("slice executed")
	if !strings.Contains(buf.String(), "order_id=abc") {
		t.Errorf("text output missing field: %q", buf.String())
	}
}
