// Package render builds campaign message bodies and personalizes them per recipient.
// Everything here is pure: no I/O, same input gives the same bytes.
package render

import (
	"errors"
	"html"
	"regexp"
	"strings"
)

// FirstNameToken is the personalization placeholder recognised in subjects and bodies.
const FirstNameToken = "{{firstName}}"

// MaxImages is the number of image slots in the generated layout (top, mid-content, near bottom).
const MaxImages = 3

// DefaultFirstName replaces the token when a recipient has no first name.
const DefaultFirstName = "there"

// ErrNoContent is returned by Prepare when neither body was supplied.
var ErrNoContent = errors.New("no html or text content")

var tokenRe = regexp.MustCompile(`\{\{\s*firstName\s*\}\}`)

// Message is a prepared campaign message. HTML is authoritative; Text is the optional plain part.
type Message struct {
	Subject string
	HTML    string
	Text    string
}

// Personalize replaces every first-name token in tpl with firstName.
func Personalize(tpl, firstName string) string {
	return tokenRe.ReplaceAllLiteralString(tpl, firstName)
}

// For returns a copy of m with the token replaced in subject and both bodies.
// The HTML body receives the escaped name.
func (m Message) For(firstName string) Message {
	name := strings.TrimSpace(firstName)
	if name == "" {
		name = DefaultFirstName
	}
	return Message{
		Subject: Personalize(m.Subject, name),
		HTML:    Personalize(m.HTML, html.EscapeString(name)),
		Text:    Personalize(m.Text, name),
	}
}

// Prepare resolves the campaign body: supplied HTML wins, otherwise HTML is built from text.
func Prepare(subject, htmlContent, textContent, ctaURL string, images []string) (Message, error) {
	if strings.TrimSpace(htmlContent) == "" && strings.TrimSpace(textContent) == "" {
		return Message{}, ErrNoContent
	}
	m := Message{Subject: subject, HTML: htmlContent, Text: textContent}
	if strings.TrimSpace(m.HTML) == "" {
		m.HTML = BuildHTML(textContent, images, ctaURL)
	}
	return m, nil
}
