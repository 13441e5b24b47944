package convert

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhcgn/eml2pdf/config"
	"github.com/dhcgn/eml2pdf/model"
	"github.com/dhcgn/eml2pdf/render"
	"github.com/dhcgn/eml2pdf/runner"
	"github.com/dhcgn/eml2pdf/state"
	"github.com/dhcgn/eml2pdf/stats"
)

const plainMessage = "From: Alice <alice@example.com>\r\n" +
	"To: Bob <bob@example.com>\r\n" +
	"Subject: Hello World\r\n" +
	"Date: Tue, 02 Jan 2024 10:00:00 +0000\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"Hi Bob,\r\n\r\nsee you tomorrow.\r\n"

const htmlMessage = "From: alice@example.com\r\n" +
	"Subject: Q&A <draft>\r\n" +
	"Date: Tue, 02 Jan 2024 10:00:00 +0000\r\n" +
	"Content-Type: text/html; charset=utf-8\r\n" +
	"\r\n" +
	"<p onclick=\"steal()\">Agenda</p><script>alert(1)</script><img src=\"https://tracker.example/p.gif\">\r\n"

const attachmentOnly = "From: alice@example.com\r\n" +
	"Subject: Scan\r\n" +
	"Content-Type: application/pdf\r\n" +
	"Content-Disposition: attachment; filename=scan.pdf\r\n" +
	"Content-Transfer-Encoding: base64\r\n" +
	"\r\n" +
	"JVBERi0=\r\n"

type call struct {
	html string
	opts render.Options
}

type fakeRenderer struct {
	mu    sync.Mutex
	fails int
	calls []call
}

func (f *fakeRenderer) Render(_ context.Context, html string, opts render.Options, w io.Writer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{html: html, opts: opts})
	if f.fails > 0 {
		f.fails--
		_, _ = io.WriteString(w, "partial garbage")
		return render.ErrRenderFailed
	}
	_, err := io.WriteString(w, "%PDF-1.4 fake")
	return err
}

func (f *fakeRenderer) Close() error { return nil }

func newConverter(t *testing.T, opts Options, r render.Renderer, tracker state.Tracker) *Converter {
	t.Helper()
	if opts.OutputDir == "" {
		opts.OutputDir = t.TempDir()
	}
	return New(opts, r, tracker, nil)
}

func msg(id, raw string) model.Message {
	return model.Message{ID: id, Hash: "hash-" + id, Raw: []byte(raw), Size: int64(len(raw))}
}

func TestConvertPlainText(t *testing.T) {
	dir := t.TempDir()
	fr := &fakeRenderer{}
	c := newConverter(t, Options{OutputDir: dir, Render: render.Options{Page: "letter", BlockRemote: true}}, fr, nil)

	res, err := c.Convert(context.Background(), msg("plain.eml", plainMessage))
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, "2024-01-02-Hello_World.pdf"), res.Path)
	assert.False(t, res.Retried)

	data, err := os.ReadFile(res.Path)
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.4 fake", string(data))

	require.Len(t, fr.calls, 1)
	got := fr.calls[0].html
	assert.True(t, strings.HasPrefix(got, "<style>@page { size: letter; margin: 1cm }</style>"))
	assert.Contains(t, got, "Hello World")
	assert.Contains(t, got, "2024-01-02, 10:00")
	assert.Contains(t, got, "see you tomorrow.")
	assert.True(t, fr.calls[0].opts.BlockRemote)
	assert.False(t, fr.calls[0].opts.NoImages)

	_, err = os.Stat(res.Path + ".html")
	assert.True(t, os.IsNotExist(err))
}

func TestConvertCollisionsGetSuffixes(t *testing.T) {
	dir := t.TempDir()
	c := newConverter(t, Options{OutputDir: dir}, &fakeRenderer{}, nil)

	var paths []string
	for i := 0; i < 3; i++ {
		res, err := c.Convert(context.Background(), msg("plain.eml", plainMessage))
		require.NoError(t, err)
		paths = append(paths, filepath.Base(res.Path))
	}

	assert.Equal(t, []string{
		"2024-01-02-Hello_World.pdf",
		"2024-01-02-Hello_World_1.pdf",
		"2024-01-02-Hello_World_2.pdf",
	}, paths)
}

func TestConvertSanitizes(t *testing.T) {
	fr := &fakeRenderer{}
	c := newConverter(t, Options{}, fr, nil)

	res, err := c.Convert(context.Background(), msg("html.eml", htmlMessage))
	require.NoError(t, err)
	assert.Equal(t, "2024-01-02-Q&A_draft.pdf", filepath.Base(res.Path))

	got := fr.calls[0].html
	assert.Contains(t, got, "Agenda")
	assert.Contains(t, got, "Q&amp;A &lt;draft&gt;")
	assert.NotContains(t, got, "<script")
	assert.NotContains(t, got, "onclick")
	assert.NotContains(t, got, "tracker.example")
}

func TestConvertUnsafeKeepsMarkup(t *testing.T) {
	fr := &fakeRenderer{}
	c := newConverter(t, Options{Unsafe: true}, fr, nil)

	_, err := c.Convert(context.Background(), msg("html.eml", htmlMessage))
	require.NoError(t, err)

	got := fr.calls[0].html
	assert.Contains(t, got, "<script>alert(1)</script>")
	assert.Contains(t, got, "tracker.example")
}

func TestConvertDebugHTML(t *testing.T) {
	fr := &fakeRenderer{}
	c := newConverter(t, Options{DebugHTML: true, Render: render.Options{Page: "a5"}}, fr, nil)

	res, err := c.Convert(context.Background(), msg("plain.eml", plainMessage))
	require.NoError(t, err)

	data, err := os.ReadFile(res.Path + ".html")
	require.NoError(t, err)
	assert.Equal(t, fr.calls[0].html, string(data))
	assert.Contains(t, string(data), "size: a5")
}

func TestConvertNoContent(t *testing.T) {
	dir := t.TempDir()
	fr := &fakeRenderer{}
	c := newConverter(t, Options{OutputDir: dir}, fr, nil)

	_, err := c.Convert(context.Background(), msg("scan.eml", attachmentOnly))
	assert.ErrorIs(t, err, ErrNoContent)
	assert.Empty(t, fr.calls)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestConvertRetriesWithoutImages(t *testing.T) {
	fr := &fakeRenderer{fails: 1}
	c := newConverter(t, Options{Render: render.Options{Page: "a4"}}, fr, nil)

	res, err := c.Convert(context.Background(), msg("plain.eml", plainMessage))
	require.NoError(t, err)
	assert.True(t, res.Retried)

	require.Len(t, fr.calls, 2)
	assert.False(t, fr.calls[0].opts.NoImages)
	assert.True(t, fr.calls[1].opts.NoImages)
	assert.Equal(t, "a4", fr.calls[1].opts.Page)

	data, err := os.ReadFile(res.Path)
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.4 fake", string(data))
}

func TestConvertRenderFailureRemovesOutput(t *testing.T) {
	dir := t.TempDir()
	fr := &fakeRenderer{fails: 2}
	c := newConverter(t, Options{OutputDir: dir}, fr, nil)

	res, err := c.Convert(context.Background(), msg("plain.eml", plainMessage))
	require.Error(t, err)
	assert.ErrorIs(t, err, render.ErrRenderFailed)
	assert.True(t, res.Retried)

	_, statErr := os.Stat(filepath.Join(dir, "2024-01-02-Hello_World.pdf"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestConvertMarksTracker(t *testing.T) {
	tracker := state.NewMemoryTracker()
	c := newConverter(t, Options{}, &fakeRenderer{}, tracker)

	res, err := c.Convert(context.Background(), msg("plain.eml", plainMessage))
	require.NoError(t, err)

	rec, ok := tracker.Lookup("hash-plain.eml")
	require.True(t, ok)
	assert.Equal(t, "plain.eml", rec.MessageID)
	assert.Equal(t, res.Path, rec.Output)
}

func TestStage(t *testing.T) {
	dir := t.TempDir()
	r, err := runner.New(context.Background(), config.Config{}, nil)
	require.NoError(t, err)

	collector := stats.NewCollector()
	r.SubscribeStats("test", func(ctx context.Context, events <-chan stats.Event) error {
		collector.Run(ctx, events)
		return nil
	})

	r.AddProducer("memory", func(ctx context.Context, out chan<- model.Envelope) error {
		for _, m := range []model.Message{
			msg("a.eml", plainMessage),
			msg("b.eml", htmlMessage),
			msg("c.eml", attachmentOnly),
		} {
			out <- model.Envelope{Message: m}
		}
		return nil
	})

	c := newConverter(t, Options{OutputDir: dir}, &fakeRenderer{}, nil)
	NewStage(r, c, 2)
	require.NoError(t, r.Start())

	summary := collector.Snapshot()
	assert.Equal(t, 3, summary.Enqueued)
	assert.Equal(t, 2, summary.Converted)
	assert.Equal(t, 1, summary.Skipped)
	assert.Zero(t, summary.Errors)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}
