// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestSetLevel(t *testing.T) {
	original := Level()
	defer SetLevel(original)

	for _, l := range []slog.Level{slog.LevelDebug, slog.LevelInfo, slog.LevelWarn, slog.LevelError} {
		SetLevel(l)
		if got := Level(); got != l {
			t.Errorf("Level() = %v, want %v", got, l)
		}
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if err != nil || got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, %v; want %v", tt.in, got, err, tt.want)
			}
		})
	}

	if _, err := ParseLevel("loud"); err == nil {
		t.Error("ParseLevel(loud) should fail")
	}
}

func TestParseFormat(t *testing.T) {
	if f, err := ParseFormat("json"); err != nil || f != FormatJSON {
		t.Errorf("ParseFormat(json) = %v, %v", f, err)
	}
	if f, err := ParseFormat(""); err != nil || f != FormatText {
		t.Errorf("ParseFormat(\"\") = %v, %v", f, err)
	}
	if _, err := ParseFormat("xml"); err == nil {
		t.Error("ParseFormat(xml) should fail")
	}
}

func TestConfigure_Component(t *testing.T) {
	original := DefaultLogger
	originalLevel := Level()
	defer func() {
		SetLogger(original)
		SetLevel(originalLevel)
	}()

	var buf bytes.Buffer
	SetLevel(slog.LevelDebug)
	Configure(&buf, FormatText)

	Debug(ComponentDevice, "sent packet", "id", 3)
	out := buf.String()
	if !strings.Contains(out, "sent packet") || !strings.Contains(out, "component=device") || !strings.Contains(out, "id=3") {
		t.Errorf("text log = %q", out)
	}

	buf.Reset()
	Configure(&buf, FormatJSON)
	For(ComponentCapture).Info("opened")
	out = buf.String()
	if !strings.Contains(out, `"msg":"opened"`) || !strings.Contains(out, `"component":"capture"`) {
		t.Errorf("JSON log = %q", out)
	}
}

func TestLevelFilters(t *testing.T) {
	original := DefaultLogger
	originalLevel := Level()
	defer func() {
		SetLogger(original)
		SetLevel(originalLevel)
	}()

	var buf bytes.Buffer
	SetLevel(slog.LevelWarn)
	Configure(&buf, FormatText)

	Info(ComponentDecode, "hidden")
	Warn(ComponentDecode, "shown")
	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), "shown") {
		t.Errorf("log = %q", buf.String())
	}
}
