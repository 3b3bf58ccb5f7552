package engine

import (
	"runtime"
	"testing"
)

func TestQuoteArg(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", "''"},
		{"plain", "plain"},
		{"a/b.c-d_e:f@g%h+i=j,k", "a/b.c-d_e:f@g%h+i=j,k"},
		{"two words", "'two words'"},
		{"$HOME", "'$HOME'"},
		{"it's", `'it'"'"'s'`},
		{"a;rm -rf /", "'a;rm -rf /'"},
		{"*.go", "'*.go'"},
	}
	for _, tt := range tests {
		if got := QuoteArg(tt.in); got != tt.want {
			t.Fatalf("QuoteArg(%q): expected %q, got %q", tt.in, tt.want, got)
		}
	}
}

func TestDefaultShellPrefersEnv(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("no POSIX shell")
	}
	t.Setenv("SHELL", "/definitely/missing/shell")
	sh, err := DefaultShell()
	if err != nil {
		t.Fatalf("DefaultShell: %v", err)
	}
	if sh == "/definitely/missing/shell" {
		t.Fatalf("expected missing $SHELL to be skipped")
	}
	if !isFile(sh) {
		t.Fatalf("expected an existing shell, got %q", sh)
	}
}
