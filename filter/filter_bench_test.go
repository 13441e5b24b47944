package filter

import (
	"strings"
	"testing"
)

var benchRaw = []byte("From: test@example.com\r\nTo: user@example.com\r\nSubject: Quarterly report\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n\r\n" +
	strings.Repeat("This message contains important content that should match the filter.\r\n", 40))

func BenchmarkFilter_AllowsMessage(b *testing.B) {
	cases := []struct {
		name string
		opts Options
	}{
		{"none", Options{}},
		{"include header", Options{IncludeHeader: []string{`From:.*@example\.com`}}},
		{"exclude header", Options{ExcludeHeader: []string{`From:.*@spam\.com`}}},
		{"multiple", Options{IncludeHeader: []string{`From:.*@example\.com`, `Subject:.*report`, `To:.*user`}}},
		{"body", Options{IncludeBody: []string{`important.*content`}}},
	}

	for _, c := range cases {
		b.Run(c.name, func(b *testing.B) {
			f, err := New(c.opts)
			if err != nil {
				b.Fatal(err)
			}
			b.ReportAllocs()
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				f.AllowsMessage(benchRaw)
			}
		})
	}
}

func BenchmarkSplitRawMessage(b *testing.B) {
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		SplitRawMessage(benchRaw)
	}
}
