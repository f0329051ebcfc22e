package util

import "testing"

func TestTrimQuotes(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"empty string", "", ""},
		{"no quotes", "hello", "hello"},
		{"double quoted", `"hello"`, "hello"},
		{"single quotes only", "'hello'", "'hello'"},
		{"quotes in middle", `he"llo`, `he"llo`},
		{"only quotes", `""`, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := TrimQuotes(tt.input)
			if result != tt.expected {
				t.Errorf("TrimQuotes(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestFixEscapeQuotes(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"empty string", "", ""},
		{"no escaped quotes", "hello", "hello"},
		{"single escaped quote", `he""llo`, `he"llo`},
		{"multiple escaped quotes", `a""b""c`, `a"b"c`},
		{"consecutive escaped", `a""""b`, `a""b`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := FixEscapeQuotes(tt.input)
			if result != tt.expected {
				t.Errorf("FixEscapeQuotes(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestCleanArgs(t *testing.T) {
	got := CleanArgs([]string{` "chest-1" `, `"say ""hi"""`, "plain"})
	want := []string{"chest-1", `say "hi"`, "plain"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("CleanArgs()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestParseFloats(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		n       int
		want    []float64
		wantErr bool
	}{
		{"plain", "1,2.5,-3", 3, []float64{1, 2.5, -3}, false},
		{"bracketed", "[0, 1.5, 0]", 3, []float64{0, 1.5, 0}, false},
		{"pair", "52.1,4.3", 2, []float64{52.1, 4.3}, false},
		{"too few", "1,2", 3, nil, true},
		{"not a number", "1,x,3", 3, nil, true},
		{"empty", "", 1, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseFloats(tt.input, tt.n)
			if tt.wantErr {
				if err == nil {
					t.Errorf("ParseFloats(%q) expected error", tt.input)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseFloats(%q) unexpected error: %v", tt.input, err)
			}
			for i := range tt.want {
				if got[i] != tt.want[i] {
					t.Errorf("ParseFloats(%q)[%d] = %v, want %v", tt.input, i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestOptional(t *testing.T) {
	data := []string{"a", ""}
	if v, ok := Optional(data, 0); !ok || v != "a" {
		t.Errorf("Optional(0) = %q, %v", v, ok)
	}
	if _, ok := Optional(data, 1); ok {
		t.Error("empty argument should be absent")
	}
	if _, ok := Optional(data, 5); ok {
		t.Error("missing argument should be absent")
	}
}
