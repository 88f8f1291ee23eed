package setup

import (
	"bytes"
	"strings"
	"testing"
)

func newTestPrompter(input string) (*Prompter, *bytes.Buffer) {
	var out bytes.Buffer
	return NewPrompter(strings.NewReader(input), &out), &out
}

func TestPrompter_String(t *testing.T) {
	p, _ := newTestPrompter("\n  value  \n")
	if got := p.String("Name", "def"); got != "def" {
		t.Errorf("empty input = %q, want default", got)
	}
	if got := p.String("Name", "def"); got != "value" {
		t.Errorf("typed input = %q, want %q", got, "value")
	}
}

func TestPrompter_StringRequired(t *testing.T) {
	p, out := newTestPrompter("\nhost\n")
	if got := p.String("Host", ""); got != "host" {
		t.Errorf("got %q, want %q", got, "host")
	}
	if !strings.Contains(out.String(), "required") {
		t.Errorf("no retry hint in output: %q", out.String())
	}
}

func TestPrompter_Int(t *testing.T) {
	p, out := newTestPrompter("abc\n5000\n42\n")
	if got := p.Int("Window", 100, 1, 1000); got != 42 {
		t.Errorf("got %d, want 42", got)
	}
	if strings.Count(out.String(), "enter a number") != 2 {
		t.Errorf("expected two retry hints, output: %q", out.String())
	}
}

func TestPrompter_Confirm(t *testing.T) {
	tests := []struct {
		input      string
		defaultYes bool
		want       bool
	}{
		{"\n", true, true},
		{"\n", false, false},
		{"y\n", false, true},
		{"YES\n", false, true},
		{"n\n", true, false},
		{"", true, true}, // EOF
	}
	for _, tt := range tests {
		p, _ := newTestPrompter(tt.input)
		if got := p.Confirm("Continue?", tt.defaultYes); got != tt.want {
			t.Errorf("Confirm(%q, %v) = %v, want %v", tt.input, tt.defaultYes, got, tt.want)
		}
	}
}

func TestPrompter_Select(t *testing.T) {
	p, out := newTestPrompter("9\nx\n2\n\n")
	opts := []string{"tls", "starttls", "none"}

	idx, err := p.Select("Security", opts, 0)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if idx != 1 {
		t.Errorf("index = %d, want 1", idx)
	}
	if !strings.Contains(out.String(), "2) starttls") {
		t.Errorf("options not listed: %q", out.String())
	}

	idx, err = p.Select("Security", opts, 2)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if idx != 2 {
		t.Errorf("default index = %d, want 2", idx)
	}
}

func TestPrompter_SelectEmpty(t *testing.T) {
	p, _ := newTestPrompter("")
	if _, err := p.Select("Folder", nil, 0); err == nil {
		t.Error("expected error for empty options")
	}
}

func TestPrompter_Secret(t *testing.T) {
	p, _ := newTestPrompter("s3cret\n")
	if got := p.Secret("Password"); got != "s3cret" {
		t.Errorf("got %q", got)
	}
	if got := p.Secret("Password"); got != "" {
		t.Errorf("EOF = %q, want empty", got)
	}
}
