package cli

import (
	"bytes"
	"reflect"
	"strings"
	"testing"
)

func newTestPrompter(input string) (*Prompter, *bytes.Buffer) {
	out := &bytes.Buffer{}
	return &Prompter{
		In:  strings.NewReader(input),
		Out: out,
	}, out
}

func TestAsk_WithInput(t *testing.T) {
	p, out := newTestPrompter("hello\n")
	got := p.Ask("Name", "default")
	if got != "hello" {
		t.Errorf("Ask() = %q, want %q", got, "hello")
	}
	if !strings.Contains(out.String(), "Name [default]: ") {
		t.Errorf("prompt = %q", out.String())
	}
}

func TestAsk_EmptyUsesDefault(t *testing.T) {
	p, _ := newTestPrompter("   \n")
	got := p.Ask("Name", "fallback")
	if got != "fallback" {
		t.Errorf("Ask() = %q, want %q", got, "fallback")
	}
}

func TestAsk_EOFUsesDefault(t *testing.T) {
	p, _ := newTestPrompter("")
	got := p.Ask("Name", "fallback")
	if got != "fallback" {
		t.Errorf("Ask() = %q, want %q", got, "fallback")
	}
}

func TestAskList(t *testing.T) {
	p, _ := newTestPrompter("https://a.example, ,https://b.example\n\n")
	got := p.AskList("Origins", []string{"*"})
	want := []string{"https://a.example", "https://b.example"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("AskList() = %v, want %v", got, want)
	}

	got = p.AskList("Origins", []string{"*"})
	if !reflect.DeepEqual(got, []string{"*"}) {
		t.Errorf("AskList() default = %v", got)
	}
}

func TestAskSecret_Fallback(t *testing.T) {
	// Not a real terminal, so it falls back to plain read.
	p, _ := newTestPrompter("rk_secret\n")
	got := p.AskSecret("Key")
	if got != "rk_secret" {
		t.Errorf("AskSecret() = %q, want %q", got, "rk_secret")
	}
}

func TestAskInt(t *testing.T) {
	tests := []struct {
		name  string
		input string
		def   int
		min   int
		want  int
	}{
		{"valid", "5\n", 1, 1, 5},
		{"default on empty", "\n", 3, 1, 3},
		{"zero allowed", "0\n", 10, 0, 0},
		{"retry below min", "-1\nabc\n7\n", 1, 0, 7},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p, _ := newTestPrompter(tc.input)
			if got := p.AskInt("Count", tc.def, tc.min); got != tc.want {
				t.Errorf("AskInt() = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestChoose_Selection(t *testing.T) {
	p, _ := newTestPrompter("2\n")
	options := []string{"alpha", "beta", "gamma"}
	got := p.Choose("Pick one", options, 0)
	if got != "beta" {
		t.Errorf("Choose() = %q, want %q", got, "beta")
	}
}

func TestChoose_DefaultOnEmpty(t *testing.T) {
	p, _ := newTestPrompter("\n")
	options := []string{"alpha", "beta", "gamma"}
	got := p.Choose("Pick one", options, 1)
	if got != "beta" {
		t.Errorf("Choose() = %q, want %q", got, "beta")
	}
}

func TestChoose_RetryOutOfRange(t *testing.T) {
	p, out := newTestPrompter("9\n3\n")
	got := p.Choose("Pick one", []string{"alpha", "beta", "gamma"}, 0)
	if got != "gamma" {
		t.Errorf("Choose() = %q, want %q", got, "gamma")
	}
	if !strings.Contains(out.String(), "between 1 and 3") {
		t.Error("expected a range hint after invalid input")
	}
}

func TestConfirm(t *testing.T) {
	tests := []struct {
		input      string
		defaultYes bool
		want       bool
	}{
		{"y\n", false, true},
		{"YES\n", false, true},
		{"n\n", true, false},
		{"\n", true, true},
		{"\n", false, false},
	}
	for _, tc := range tests {
		p, _ := newTestPrompter(tc.input)
		if got := p.Confirm("Continue?", tc.defaultYes); got != tc.want {
			t.Errorf("Confirm(%q, %v) = %v, want %v", tc.input, tc.defaultYes, got, tc.want)
		}
	}
}

func TestSection(t *testing.T) {
	p, out := newTestPrompter("")
	p.Section("Storage")
	if !strings.Contains(out.String(), "Storage\n───────\n") {
		t.Errorf("Section output = %q", out.String())
	}
}
