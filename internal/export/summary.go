package export

import (
	"bytes"
	"fmt"
	"html"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"finitefield.org/colour-visualiser/internal/catalog"
	"finitefield.org/colour-visualiser/internal/composite"
	"finitefield.org/colour-visualiser/internal/wizard"
)

// NewSelection captures the controller's current choices.
func NewSelection(c *wizard.Controller) Selection {
	sel := Selection{}
	sel.Room, _ = c.Room()
	sel.Variant, _ = c.Variant()
	sel.Brand, _ = c.Brand()
	state := c.State()
	sel.Palette = append([]catalog.Swatch(nil), state.Palette...)
	sel.Assignments = make(map[string]string, len(state.Assignments))
	for wall, hex := range state.Assignments {
		sel.Assignments[wall] = hex
	}
	return sel
}

func (s Selection) complete() bool {
	return s.Room.Type != "" && s.Variant.Name != "" && s.Brand.ID != ""
}

// Selections lists the painted walls in wall key order.
func (s Selection) Selections() []ColourSelection {
	walls := make([]string, 0, len(s.Assignments))
	for wall := range s.Assignments {
		walls = append(walls, wall)
	}
	sort.Strings(walls)

	out := make([]ColourSelection, 0, len(walls))
	for _, wall := range walls {
		hex := s.Assignments[wall]
		sel := ColourSelection{WallKey: wall, WallLabel: composite.WallLabel(wall), ColorHex: hex}
		if sw, ok := s.swatch(hex); ok {
			sel.ColorName, sel.ColorCode = sw.Name, sw.Code
		} else if hex == catalog.White {
			sel.ColorName = "White"
		}
		out = append(out, sel)
	}
	return out
}

func (s Selection) swatch(hex string) (catalog.Swatch, bool) {
	for _, sw := range s.Palette {
		if sw.Hex == hex {
			return sw, true
		}
	}
	return catalog.Swatch{}, false
}

// FormatVariantName turns a variant key into a display name: "kidsRoom1" becomes
// "Kids Room 1".
func FormatVariantName(name string) string {
	if name == "" {
		return name
	}
	runes := []rune(name)
	var b strings.Builder
	for i, r := range runes {
		if i > 0 {
			prev := runes[i-1]
			switch {
			case unicode.IsLower(prev) && unicode.IsUpper(r),
				unicode.IsLetter(prev) && unicode.IsDigit(r),
				unicode.IsDigit(prev) && unicode.IsLetter(r):
				b.WriteByte(' ')
			}
		}
		b.WriteRune(r)
	}
	return cases.Title(language.English).String(b.String())
}

var (
	markdown = goldmark.New(goldmark.WithExtensions(extension.Table))
	// Contact fields are plain text.
	plainText   = bluemonday.StrictPolicy()
	summaryHTML = bluemonday.UGCPolicy()
)

func sanitiseContact(c Contact) Contact {
	clean := func(v string) string {
		return strings.TrimSpace(html.UnescapeString(plainText.Sanitize(v)))
	}
	return Contact{
		Name:    clean(c.Name),
		Email:   clean(c.Email),
		Phone:   clean(c.Phone),
		Message: clean(c.Message),
	}
}

func buildSummary(id string, requestedAt time.Time, contact Contact, sel Selection) (Summary, error) {
	summary := Summary{
		ExportID:     id,
		RoomType:     sel.Room.Type,
		RoomLabel:    firstNonEmpty(sel.Room.Label, sel.Room.Type),
		VariantName:  sel.Variant.Name,
		VariantLabel: firstNonEmpty(sel.Variant.Label, FormatVariantName(sel.Variant.Name)),
		BrandID:      sel.Brand.ID,
		BrandName:    firstNonEmpty(sel.Brand.Name, sel.Brand.ID),
		Palette:      sel.Palette,
		Selections:   sel.Selections(),
		RequestedAt:  requestedAt,
	}
	summary.Markdown = summaryMarkdown(contact, summary)

	var buf bytes.Buffer
	if err := markdown.Convert([]byte(summary.Markdown), &buf); err != nil {
		return Summary{}, fmt.Errorf("export: render summary: %w", err)
	}
	summary.HTML = summaryHTML.Sanitize(buf.String())
	return summary, nil
}

func summaryMarkdown(contact Contact, s Summary) string {
	var b strings.Builder
	b.WriteString("# Your Colour Visualiser Summary\n\n")
	fmt.Fprintf(&b, "Dear %s,\n\n", escapeMarkdown(contact.Name))
	b.WriteString("Thank you for using the Colour Visualiser. Here is the summary of your selection.\n\n")
	fmt.Fprintf(&b, "- **Room:** %s - %s\n", escapeMarkdown(s.RoomLabel), escapeMarkdown(s.VariantLabel))
	fmt.Fprintf(&b, "- **Paint Brand:** %s\n", escapeMarkdown(s.BrandName))
	fmt.Fprintf(&b, "- **Colours Applied:** %d walls\n\n", len(s.Selections))

	if len(s.Selections) > 0 {
		b.WriteString("| Wall | Colour | Code | Hex |\n")
		b.WriteString("| --- | --- | --- | --- |\n")
		for _, sel := range s.Selections {
			fmt.Fprintf(&b, "| %s | %s | %s | %s |\n",
				escapeMarkdown(sel.WallLabel),
				escapeMarkdown(sel.ColorName),
				escapeMarkdown(sel.ColorCode),
				sel.ColorHex,
			)
		}
		b.WriteString("\n")
	}
	if contact.Message != "" {
		b.WriteString("**Your message:**\n\n")
		fmt.Fprintf(&b, "> %s\n\n", escapeMarkdown(contact.Message))
	}
	b.WriteString("Our team will be in touch shortly to help you bring this look to life.\n")
	return b.String()
}

var markdownEscaper = strings.NewReplacer(
	`\`, `\\`, "*", `\*`, "_", `\_`, "`", "\\`", "|", `\|`,
	"[", `\[`, "]", `\]`, "<", `\<`, ">", `\>`, "#", `\#`, "\n", " ",
)

func escapeMarkdown(s string) string {
	return markdownEscaper.Replace(s)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
