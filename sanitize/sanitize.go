// Package sanitize removes active content and remote references from mail
// HTML before it is rendered.
//
// The filter works on the token stream: tokens that are not touched are
// copied byte for byte, so markup that is already safe comes out unchanged.
package sanitize

import (
	"strings"

	"golang.org/x/net/html"
)

// risky elements are removed together with their content.
var risky = map[string]bool{
	"script": true,
	"iframe": true,
	"object": true,
	"embed":  true,
	"video":  true,
	"audio":  true,
	"form":   true,
	"meta":   true,
	"link":   true,
}

// void elements have no content to skip.
var void = map[string]bool{
	"embed": true,
	"meta":  true,
	"link":  true,
	"img":   true,
}

// markup elements are raw text to the tokenizer, but their content can still
// be parsed as HTML by the renderer (noscript runs with scripting disabled).
// Their content is filtered like any other markup.
var markup = map[string]bool{
	"noscript": true,
	"noembed":  true,
	"noframes": true,
	"xmp":      true,
}

// rewrite inspects a start or self-closing tag. It reports whether to keep
// the tag and whether tok was modified.
type rewrite func(tok *html.Token) (keep, changed bool)

type policy struct {
	drop    map[string]bool
	rewrite rewrite
}

var (
	safe      = policy{drop: risky, rewrite: neutralize}
	imageless = policy{rewrite: func(tok *html.Token) (bool, bool) { return tok.Data != "img", false }}
)

// HTML returns s with dangerous elements removed, remote images dropped,
// url() styles cleared, external links neutralized and on* / data-*
// attributes deleted. Text without markup is returned as is.
func HTML(s string) string {
	return safe.apply(s)
}

// StripImages removes every img element and leaves everything else intact.
func StripImages(s string) string {
	return imageless.apply(s)
}

func (p policy) apply(s string) string {
	if !strings.Contains(s, "<") {
		return s
	}

	var (
		sb       strings.Builder
		z        = html.NewTokenizer(strings.NewReader(s))
		skipping string
		depth    int
	)
	sb.Grow(len(s))

	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			if skipping == "" {
				sb.Write(z.Raw())
			}
			return sb.String()
		}

		if skipping != "" {
			name, _ := z.TagName()
			switch {
			case (tt == html.StartTagToken || tt == html.SelfClosingTagToken) && string(name) == skipping:
				depth++
			case tt == html.EndTagToken && string(name) == skipping:
				depth--
				if depth == 0 {
					skipping = ""
				}
			}
			continue
		}

		switch tt {
		case html.StartTagToken, html.SelfClosingTagToken:
			raw := append([]byte(nil), z.Raw()...)
			tok := z.Token()
			if p.drop[tok.Data] {
				// Browsers ignore the slash on non-void elements, so <iframe/>
				// still opens a container.
				if !void[tok.Data] {
					skipping, depth = tok.Data, 1
				}
				continue
			}
			if markup[tok.Data] {
				z.NextIsNotRawText()
			}
			keep, changed := p.rewrite(&tok)
			switch {
			case !keep:
			case changed:
				sb.WriteString(tok.String())
			default:
				sb.Write(raw)
			}
		case html.EndTagToken:
			if name, _ := z.TagName(); p.drop[string(name)] {
				continue
			}
			sb.Write(z.Raw())
		default:
			sb.Write(z.Raw())
		}
	}
}

func neutralize(tok *html.Token) (keep, changed bool) {
	if tok.Data == "img" && isRemote(attr(tok, "src")) {
		return false, false
	}

	attrs := tok.Attr[:0:0]
	for _, a := range tok.Attr {
		key := strings.ToLower(a.Key)
		switch {
		case strings.HasPrefix(key, "on"), strings.HasPrefix(key, "data-"):
			changed = true
			continue
		case key == "style" && strings.Contains(strings.ToLower(a.Val), "url("):
			a.Val = ""
			changed = true
		case key == "href" && tok.Data == "a" && isRemote(a.Val):
			a.Val = "#"
			changed = true
		}
		attrs = append(attrs, a)
	}
	if changed {
		tok.Attr = attrs
	}
	return true, changed
}

// isRemote reports whether ref points at the network.
func isRemote(ref string) bool {
	ref = strings.ToLower(strings.TrimSpace(ref))
	return strings.HasPrefix(ref, "http://") ||
		strings.HasPrefix(ref, "https://") ||
		strings.HasPrefix(ref, "//")
}

func attr(tok *html.Token, key string) string {
	for _, a := range tok.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}
