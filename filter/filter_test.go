package filter

import (
	"errors"
	"testing"
)

func TestFilter_Allows(t *testing.T) {
	body := []byte("This is the message body")

	tests := []struct {
		name   string
		opts   Options
		header string
		body   []byte
		want   bool
	}{
		{"no filters", Options{}, "Subject: Any Message\n", body, true},
		{"include header match", Options{IncludeHeader: []string{"Subject: Test"}}, "Subject: Test Message\nFrom: sender@example.com\n", body, true},
		{"include header miss", Options{IncludeHeader: []string{"Subject: Test"}}, "Subject: Other\nFrom: sender@example.com\n", body, false},
		{"exclude header clean", Options{ExcludeHeader: []string{"spam"}}, "Subject: Normal Message\n", body, true},
		{"exclude header hit", Options{ExcludeHeader: []string{"spam"}}, "Subject: This is spam\n", body, false},
		{"include body match", Options{IncludeBody: []string{"important"}}, "Subject: Message\n", []byte("This is an important message"), true},
		{"include body miss", Options{IncludeBody: []string{"important"}}, "Subject: Message\n", []byte("This is a regular message"), false},
		{"include header or body", Options{IncludeHeader: []string{"urgent"}, IncludeBody: []string{"invoice"}}, "Subject: hi\n", []byte("invoice attached"), true},
		{"exclude body hit", Options{ExcludeBody: []string{"unsubscribe"}}, "Subject: News\n", []byte("click to unsubscribe"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := New(tt.opts)
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}
			if got := f.Allows([]byte(tt.header), tt.body); got != tt.want {
				t.Errorf("Allows() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFilter_MutuallyExclusive(t *testing.T) {
	_, err := New(Options{IncludeHeader: []string{"test"}, ExcludeHeader: []string{"spam"}})
	if err == nil {
		t.Error("Expected error when both include and exclude are specified")
	}
}

func TestSplitRawMessage(t *testing.T) {
	tests := []struct {
		name       string
		raw        []byte
		wantHeader []byte
		wantBody   []byte
	}{
		{
			name:       "CRLF separator",
			raw:        []byte("Header: value\r\n\r\nBody content"),
			wantHeader: []byte("Header: value"),
			wantBody:   []byte("Body content"),
		},
		{
			name:       "LF separator",
			raw:        []byte("Header: value\n\nBody content"),
			wantHeader: []byte("Header: value"),
			wantBody:   []byte("Body content"),
		},
		{
			name:       "No separator",
			raw:        []byte("All header content"),
			wantHeader: []byte("All header content"),
			wantBody:   nil,
		},
		{
			name:       "Empty message",
			raw:        []byte{},
			wantHeader: nil,
			wantBody:   nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotHeader, gotBody := SplitRawMessage(tt.raw)
			if string(gotHeader) != string(tt.wantHeader) {
				t.Errorf("SplitRawMessage() header = %q, want %q", gotHeader, tt.wantHeader)
			}
			if string(gotBody) != string(tt.wantBody) {
				t.Errorf("SplitRawMessage() body = %q, want %q", gotBody, tt.wantBody)
			}
		})
	}
}

func TestFilter_ModeConflictSentinel(t *testing.T) {
	_, err := New(Options{IncludeBody: []string{"a"}, ExcludeBody: []string{"b"}})
	if !errors.Is(err, ErrModeConflict) {
		t.Fatalf("New() error = %v, want ErrModeConflict", err)
	}
}

func TestFilter_InvalidPattern(t *testing.T) {
	if _, err := New(Options{IncludeHeader: []string{"("}}); err == nil {
		t.Fatal("Expected error for invalid regex")
	}
}

func TestFilter_NilAllowsEverything(t *testing.T) {
	var f *Filter
	if !f.AllowsMessage([]byte("Subject: x\n\nbody")) {
		t.Error("Expected nil filter to allow every message")
	}
}

func TestFilter_AllowsMessage(t *testing.T) {
	f, err := New(Options{ExcludeHeader: []string{"(?i)^subject: newsletter"}})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if f.AllowsMessage([]byte("Subject: Newsletter #4\r\nFrom: list@example.com\r\n\r\nhello")) {
		t.Error("Expected newsletter to be excluded")
	}
	if !f.AllowsMessage([]byte("Subject: Invoice\r\n\r\nSubject: Newsletter in the body")) {
		t.Error("Expected header pattern to ignore the body")
	}
}

func TestFilter_GetStats(t *testing.T) {
	f, err := New(Options{IncludeHeader: []string{"From: alice", " From: bob ", ""}})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	f.Allows([]byte("From: alice@example.com"), nil)
	f.Allows([]byte("From: alice@example.com"), nil)
	f.Allows([]byte("From: carol@example.com"), nil)

	stats := f.GetStats()
	if len(stats.IncludeHeaderPatterns) != 2 {
		t.Fatalf("IncludeHeaderPatterns = %v, want 2 entries", stats.IncludeHeaderPatterns)
	}
	if got := stats.Hits["From: alice"]; got != 2 {
		t.Errorf("hits for alice = %d, want 2", got)
	}
	if got := stats.Hits["From: bob"]; got != 0 {
		t.Errorf("hits for bob = %d, want 0", got)
	}

	stats.Hits["From: alice"] = 100
	if f.GetStats().Hits["From: alice"] != 2 {
		t.Error("GetStats() must return a copy")
	}
}

func TestOptions_Active(t *testing.T) {
	if (Options{}).Active() {
		t.Error("empty options must be inactive")
	}
	if !(Options{ExcludeBody: []string{"x"}}).Active() {
		t.Error("options with a pattern must be active")
	}
}
