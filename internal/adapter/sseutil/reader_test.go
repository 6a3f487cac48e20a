package sseutil

import (
	"strings"
	"testing"
)

func TestField(t *testing.T) {
	tests := []struct {
		line  string
		name  string
		value string
		ok    bool
	}{
		{"data: {\"x\":1}", "data", "{\"x\":1}", true},
		{"data:{\"x\":1}", "data", "{\"x\":1}", true},
		{"event: message_start", "event", "message_start", true},
		{"id: 7", "id", "7", true},
		{": keep-alive", "", "", false},
		{"", "", "", false},
		{"garbage", "", "", false},
	}
	for _, tt := range tests {
		name, value, ok := Field(tt.line)
		if name != tt.name || value != tt.value || ok != tt.ok {
			t.Errorf("Field(%q) = (%q, %q, %v), want (%q, %q, %v)",
				tt.line, name, value, ok, tt.name, tt.value, tt.ok)
		}
	}
}

func TestLinesHandlesLongPayloads(t *testing.T) {
	long := "data: " + strings.Repeat("x", 48*1024)
	sc := Lines(strings.NewReader(long + "\n"))
	if !sc.Scan() {
		t.Fatalf("scan failed: %v", sc.Err())
	}
	if len(sc.Text()) != len(long) {
		t.Errorf("line length = %d, want %d", len(sc.Text()), len(long))
	}
}
