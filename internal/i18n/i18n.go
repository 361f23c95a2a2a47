// Package i18n localizes the text rendered in directory listings and
// provides the printer used for CLI output.
package i18n

import (
	"context"
	"os"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// DefaultLang is the fallback language
var DefaultLang = language.English

// SupportedLangs are the languages listings are translated into
var SupportedLangs = []language.Tag{
	language.English,
	language.German,
}

var matcher = language.NewMatcher(SupportedLangs)

// Message keys used by the directory listing page.
const (
	MsgIndexOf    = "Index of %s"
	MsgParentDir  = "Parent directory"
	MsgEntryCount = "%d entries"
	MsgName       = "Name"
	MsgSize       = "Size"
	MsgModified   = "Modified"
)

func init() {
	en := language.English
	message.SetString(en, MsgIndexOf, "Index of %s")
	message.SetString(en, MsgParentDir, "Parent directory")
	message.SetString(en, MsgEntryCount, "%d entries")
	message.SetString(en, MsgName, "Name")
	message.SetString(en, MsgSize, "Size")
	message.SetString(en, MsgModified, "Modified")

	de := language.German
	message.SetString(de, MsgIndexOf, "Inhalt von %s")
	message.SetString(de, MsgParentDir, "Übergeordnetes Verzeichnis")
	message.SetString(de, MsgEntryCount, "%d Einträge")
	message.SetString(de, MsgName, "Name")
	message.SetString(de, MsgSize, "Größe")
	message.SetString(de, MsgModified, "Geändert")
}

type contextKey struct{}

var printerKey = contextKey{}

// MatchLanguage returns the best matching language for an Accept-Language value.
func MatchLanguage(acceptLang string) language.Tag {
	tags, _, _ := language.ParseAcceptLanguage(acceptLang)
	tag, _, _ := matcher.Match(tags...)
	return tag
}

// NewPrinter returns a message printer for the given language
func NewPrinter(tag language.Tag) *message.Printer {
	return message.NewPrinter(tag)
}

// WithPrinter returns a new context with the printer injected
func WithPrinter(ctx context.Context, p *message.Printer) context.Context {
	return context.WithValue(ctx, printerKey, p)
}

// GetPrinter returns the printer from the context, or a default one
func GetPrinter(ctx context.Context) *message.Printer {
	p, ok := ctx.Value(printerKey).(*message.Printer)
	if !ok {
		return message.NewPrinter(DefaultLang)
	}
	return p
}

// NewCLIPrinter returns a printer for the system's locale (from env vars)
func NewCLIPrinter() *message.Printer {
	lang := os.Getenv("LC_ALL")
	if lang == "" {
		lang = os.Getenv("LANG")
	}
	if lang == "" {
		return message.NewPrinter(DefaultLang)
	}

	// en_US.UTF-8 -> en_US
	if i := strings.Index(lang, "."); i != -1 {
		lang = lang[:i]
	}

	tag, err := language.Parse(lang)
	if err != nil {
		tag = MatchLanguage(lang)
	} else {
		tag, _, _ = matcher.Match(tag)
	}

	return message.NewPrinter(tag)
}
