package walker

import (
	"bytes"
	_ "embed"
	"strings"
	"testing"

	"github.com/emersion/go-message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhcgn/eml2pdf/model"
)

var (
	//go:embed testdata/inline_image.eml
	inlineImageEML []byte
	//go:embed testdata/plain_lorem_ipsum.eml
	loremEML []byte
	//go:embed testdata/latin1_attachments.eml
	latin1EML []byte
	//go:embed testdata/no_body.eml
	noBodyEML []byte
)

func read(t *testing.T, raw []byte) *message.Entity {
	t.Helper()
	e, err := message.Read(bytes.NewReader(raw))
	if err != nil {
		require.True(t, message.IsUnknownCharset(err) || message.IsUnknownEncoding(err), "read: %v", err)
	}
	require.NotNil(t, e)
	return e
}

func ptr(s string) *string { return &s }

func TestCollectOrderAndFields(t *testing.T) {
	parts, err := Collect(read(t, inlineImageEML), nil)
	require.NoError(t, err)
	require.Len(t, parts, 5)

	types := make([]string, 0, len(parts))
	for _, p := range parts {
		types = append(types, p.ContentType)
	}
	assert.Equal(t, []string{"text/plain", "text/html", "image/png", "image/gif", "application/pdf"}, types)

	assert.Equal(t, "Plain fallback", string(parts[0].Payload))
	assert.Equal(t, "utf-8", parts[0].Charset)

	png := parts[2]
	assert.Equal(t, model.DispositionInline, png.Disposition)
	require.NotNil(t, png.ContentID)
	assert.Equal(t, "img1@example", *png.ContentID)
	require.NotNil(t, png.Filename)
	assert.Equal(t, "one.png", *png.Filename)
	assert.Equal(t, []byte("one"), png.Payload)

	gif := parts[3]
	assert.Equal(t, model.DispositionNone, gif.Disposition)
	assert.Nil(t, gif.Filename)
}

func TestWalkInlineImages(t *testing.T) {
	res, err := Walk(read(t, inlineImageEML), nil)
	require.NoError(t, err)

	assert.Equal(t, 2, res.Images)
	assert.Contains(t, res.HTML, `<img src="data:image/png;base64,b25l">`)
	assert.Contains(t, res.HTML, `<img src="data:image/gif;base64,dGVu">`)
	assert.NotContains(t, res.HTML, "cid:")
	assert.NotContains(t, res.HTML, "Plain fallback")

	require.Len(t, res.Attachments, 1)
	assert.Equal(t, model.Attachment{
		Name:        "Résumé.pdf",
		Size:        5,
		ContentHash: "561318f0d57972e7c62fe701849032af",
	}, res.Attachments[0])
}

func TestWalkPlainTextLorem(t *testing.T) {
	res, err := Walk(read(t, loremEML), nil)
	require.NoError(t, err)

	want := `<p>Lorem ipsum dolor sit amet, consectetur adipiscing elit. Sed do eiusmod tempor incididunt ut labore et dolore magna aliqua.</p>
<p>Ut enim ad minim veniam, quis nostrud exercitation ullamco laboris nisi ut aliquip ex ea commodo consequat.</p>
<p>Duis aute irure dolor in reprehenderit in voluptate velit esse cillum dolore eu fugiat nulla pariatur.</p>
<p>Excepteur sint occaecat cupidatat non proident, sunt in culpa qui officia deserunt mollit anim id est laborum.</p>
<p>Curabitur pretium tincidunt lacus. Nulla gravida orci a odio. Nullam varius, turpis et commodo pharetra, est eros bibendum elit, nec luctus magna felis sollicitudin mauris.</p>`

	assert.Equal(t, want, res.HTML)
	assert.Empty(t, res.Attachments)
}

func TestWalkLatin1AndAttachments(t *testing.T) {
	res, err := Walk(read(t, latin1EML), nil)
	require.NoError(t, err)

	// photo.jpg is an attachment with a Content-ID: listed and embedded.
	assert.Equal(t, `<p>Café au lait <img src="data:image/jpeg;base64,/9j/"></p>`, res.HTML)
	assert.Equal(t, 1, res.Images)
	assert.Equal(t, []model.Attachment{
		{Name: "notes.doc", Size: 5, ContentHash: "5d41402abc4b2a76b9719d911017c592"},
		{Name: "photo.jpg", Size: 3, ContentHash: "d718f4d374abcade9c50585aeee2f713"},
		{Name: "log.txt", Size: 8, ContentHash: "f3c29d17059bde62153e4283f0215089"},
	}, res.Attachments)
}

func TestWalkNoBody(t *testing.T) {
	res, err := Walk(read(t, noBodyEML), nil)
	require.NoError(t, err)

	assert.Empty(t, res.HTML)
	require.Len(t, res.Attachments, 1)
	assert.Equal(t, "archive.zip", res.Attachments[0].Name)
}

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		part model.Part
		want Kind
	}{
		{"empty payload", model.Part{ContentType: "text/plain"}, KindSkip},
		{"plain body", model.Part{ContentType: "text/plain", Payload: []byte("x")}, KindBody},
		{"inline html body", model.Part{ContentType: "text/html", Disposition: model.DispositionInline, Payload: []byte("x")}, KindBody},
		{"attached text", model.Part{ContentType: "text/plain", Disposition: model.DispositionAttachment, Payload: []byte("x")}, KindAttachment},
		{"attached image", model.Part{ContentType: "image/png", Disposition: model.DispositionAttachment, Payload: []byte("x")}, KindAttachment},
		{"inline document", model.Part{ContentType: "application/msword", Disposition: model.DispositionInline, Payload: []byte("x")}, KindAttachment},
		{"inline image", model.Part{ContentType: "image/png", Disposition: model.DispositionInline, Payload: []byte("x")}, KindOther},
		{"bare image", model.Part{ContentType: "image/png", Payload: []byte("x")}, KindOther},
		{"unknown disposition", model.Part{ContentType: "text/plain", Disposition: model.DispositionOther, Payload: []byte("x")}, KindOther},
		{"bare binary", model.Part{ContentType: "application/octet-stream", Payload: []byte("x")}, KindOther},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.part))
		})
	}
}

func TestIsInlineImage(t *testing.T) {
	t.Parallel()

	assert.True(t, IsInlineImage(model.Part{ContentType: "image/png", ContentID: ptr("a"), Payload: []byte("x")}))
	assert.True(t, IsInlineImage(model.Part{ContentType: "image/png", Disposition: model.DispositionAttachment, ContentID: ptr("a"), Payload: []byte("x")}))
	assert.False(t, IsInlineImage(model.Part{ContentType: "image/png", Payload: []byte("x")}))
	assert.False(t, IsInlineImage(model.Part{ContentType: "text/html", ContentID: ptr("a"), Payload: []byte("x")}))
	assert.False(t, IsInlineImage(model.Part{ContentType: "image/png", ContentID: ptr("a")}))
}

func TestAssembleDuplicateContentIDLastWins(t *testing.T) {
	t.Parallel()

	parts := []model.Part{
		{ContentType: "text/html", Charset: "utf-8", Payload: []byte(`<img src="cid:logo">`)},
		{ContentType: "image/png", ContentID: ptr("logo"), Payload: []byte("first")},
		{ContentType: "image/png", ContentID: ptr("logo"), Payload: []byte("second")},
	}

	res := Assemble(parts, nil)

	assert.Equal(t, 1, res.Images)
	assert.Equal(t, `<img src="data:image/png;base64,c2Vjb25k">`, res.HTML)
}

func TestAssembleConcatenatesBodies(t *testing.T) {
	t.Parallel()

	parts := []model.Part{
		{ContentType: "text/html", Charset: "utf-8", Payload: []byte("<p>one</p>")},
		{ContentType: "text/plain", Charset: "utf-8", Payload: []byte("ignored")},
		{ContentType: "text/html", Charset: "utf-8", Payload: []byte("<p>two</p>")},
	}

	res := Assemble(parts, nil)
	assert.Equal(t, "<p>one</p><p>two</p>", res.HTML)
}

func TestDispositionAndFilename(t *testing.T) {
	t.Parallel()

	var h message.Header
	h.Set("Content-Type", `application/pdf; name="fallback.pdf"`)
	assert.Equal(t, model.DispositionNone, DispositionOf(h))
	assert.Equal(t, "fallback.pdf", Filename(h))

	h.Set("Content-Disposition", `ATTACHMENT; filename="real.pdf"`)
	assert.Equal(t, model.DispositionAttachment, DispositionOf(h))
	assert.Equal(t, "real.pdf", Filename(h))

	h.Set("Content-Disposition", "form-data")
	assert.Equal(t, model.DispositionOther, DispositionOf(h))
}

func TestKindString(t *testing.T) {
	t.Parallel()

	names := make([]string, 0, 4)
	for _, k := range []Kind{KindSkip, KindBody, KindAttachment, KindOther} {
		names = append(names, k.String())
	}
	assert.Equal(t, "skip,body,attachment,other", strings.Join(names, ","))
}
