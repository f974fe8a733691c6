// Package markup formats chat text for the client's markup dialect.
package markup

import (
	"fmt"
	"strings"
)

// Dialect renders inline text styles.
type Dialect interface {
	Bold(s string) string
	Italic(s string) string
	Link(text, url string) string
}

// BBCode is understood by TeamSpeak 3 clients.
type BBCode struct{}

func (BBCode) Bold(s string) string   { return "[b]" + s + "[/b]" }
func (BBCode) Italic(s string) string { return "[i]" + s + "[/i]" }

func (BBCode) Link(text, url string) string {
	return fmt.Sprintf("[url=%s]%s[/url]", url, text)
}

// Markdown is understood by TeamSpeak 5 clients.
type Markdown struct{}

func (Markdown) Bold(s string) string   { return "**" + s + "**" }
func (Markdown) Italic(s string) string { return "__" + s + "__" }

func (Markdown) Link(text, url string) string {
	return fmt.Sprintf("[%s](%s)", text, url)
}

// ForVersion picks the dialect for a reported client version.
func ForVersion(version string) Dialect {
	if strings.HasPrefix(strings.TrimSpace(version), "5.") {
		return Markdown{}
	}

	return BBCode{}
}

// Plain strips styling.
type Plain struct{}

func (Plain) Bold(s string) string   { return s }
func (Plain) Italic(s string) string { return s }

func (Plain) Link(text, url string) string {
	return text + " (" + url + ")"
}
