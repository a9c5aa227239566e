package render

import (
	"html"
	"strings"
)

const (
	bodyStyle      = `margin:0;padding:0;background-color:#f4f5f7;font-family:Helvetica,Arial,sans-serif;`
	containerStyle = `max-width:600px;margin:0 auto;background-color:#ffffff;padding:32px 24px;border-radius:8px;`
	paragraphStyle = `margin:0 0 16px 0;font-size:16px;line-height:1.6;color:#1f2933;`
	imageStyle     = `display:block;width:100%;max-width:552px;height:auto;margin:0 0 24px 0;border-radius:6px;`
	buttonStyle    = `display:inline-block;padding:12px 28px;background-color:#4f46e5;color:#ffffff;text-decoration:none;border-radius:6px;font-weight:bold;`
	footerStyle    = `margin:24px 0 0 0;font-size:12px;color:#9aa5b1;text-align:center;`
)

// BuildHTML assembles the campaign layout from plain text. Blank lines separate
// paragraphs; single newlines become <br>. images[0] goes above the text,
// images[1] after the first half of the paragraphs, images[2] before the
// call-to-action. Extra images are ignored. The first-name token is kept verbatim.
func BuildHTML(text string, images []string, ctaURL string) string {
	paragraphs := splitParagraphs(text)
	slots := make([]string, MaxImages)
	for i := 0; i < len(images) && i < MaxImages; i++ {
		slots[i] = strings.TrimSpace(images[i])
	}

	var b strings.Builder
	b.WriteString(`<!DOCTYPE html><html><head><meta charset="utf-8"><meta name="viewport" content="width=device-width, initial-scale=1"></head>`)
	b.WriteString(`<body style="` + bodyStyle + `"><div style="` + containerStyle + `">`)

	writeImage(&b, slots[0])
	mid := (len(paragraphs) + 1) / 2
	for i, p := range paragraphs {
		if i == mid {
			writeImage(&b, slots[1])
		}
		b.WriteString(`<p style="` + paragraphStyle + `">`)
		b.WriteString(strings.ReplaceAll(html.EscapeString(p), "\n", "<br>"))
		b.WriteString(`</p>`)
	}
	if mid >= len(paragraphs) {
		writeImage(&b, slots[1])
	}
	writeImage(&b, slots[2])

	if u := strings.TrimSpace(ctaURL); u != "" {
		b.WriteString(`<p style="text-align:center;margin:32px 0;"><a href="` + html.EscapeString(u) + `" style="` + buttonStyle + `">Visit our website</a></p>`)
	}
	b.WriteString(`<p style="` + footerStyle + `">You are receiving this email because you subscribed to our updates.</p>`)
	b.WriteString(`</div></body></html>`)
	return b.String()
}

func writeImage(b *strings.Builder, src string) {
	if src == "" {
		return
	}
	b.WriteString(`<img src="` + html.EscapeString(src) + `" alt="" style="` + imageStyle + `">`)
}

func splitParagraphs(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	var out []string
	for _, p := range strings.Split(text, "\n\n") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
