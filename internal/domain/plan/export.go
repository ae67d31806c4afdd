package plan

import (
	"bytes"
	"fmt"
	"html"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

// Export formats.
const (
	FormatMarkdown = "md"
	FormatHTML     = "html"
)

var markdown = goldmark.New(goldmark.WithExtensions(extension.GFM))

var mdEscaper = strings.NewReplacer(
	`\`, `\\`, "`", "\\`", "*", `\*`, "_", `\_`,
	"[", `\[`, "]", `\]`, "<", `\<`, ">", `\>`, "#", `\#`, "|", `\|`,
)

func esc(s string) string {
	return mdEscaper.Replace(strings.TrimSpace(s))
}

// Markdown renders a generated plan as a Markdown document.
func Markdown(p *Plan) ([]byte, error) {
	if p.Itinerary == nil {
		return nil, ErrNotGenerated
	}
	it := p.Itinerary

	var b bytes.Buffer
	title := it.Title
	if strings.TrimSpace(title) == "" {
		title = p.Destination
	}
	fmt.Fprintf(&b, "# %s\n\n", esc(title))
	fmt.Fprintf(&b, "**Destination:** %s  \n", esc(p.Destination))
	fmt.Fprintf(&b, "**Dates:** %s to %s (%d days)  \n", p.StartDate, p.EndDate, p.Days())
	fmt.Fprintf(&b, "**Travelers:** %d\n\n", p.Travelers)
	if it.Summary != "" {
		fmt.Fprintf(&b, "%s\n\n", esc(it.Summary))
	}

	for _, d := range it.Days {
		fmt.Fprintf(&b, "## Day %d", d.Day)
		if d.Date != "" {
			fmt.Fprintf(&b, " (%s)", d.Date)
		}
		if d.Theme != "" {
			fmt.Fprintf(&b, ": %s", esc(d.Theme))
		}
		b.WriteString("\n\n")
		if len(d.Activities) == 0 {
			continue
		}
		b.WriteString("| Time | Activity | Location | Cost |\n")
		b.WriteString("| --- | --- | --- | ---: |\n")
		for _, a := range d.Activities {
			what := "**" + esc(a.Title) + "**"
			if a.Description != "" {
				what += " " + esc(a.Description)
			}
			fmt.Fprintf(&b, "| %s | %s | %s | %s |\n",
				esc(a.Time), flatten(what), flatten(esc(a.Location)), cost(a.EstimatedCost, it.Currency))
		}
		b.WriteString("\n")
	}

	if len(it.Tips) > 0 {
		b.WriteString("## Tips\n\n")
		for _, tip := range it.Tips {
			fmt.Fprintf(&b, "- %s\n", esc(tip))
		}
		b.WriteString("\n")
	}
	if it.EstimatedTotalCost > 0 {
		fmt.Fprintf(&b, "**Estimated total:** %s\n", cost(it.EstimatedTotalCost, it.Currency))
	}
	return b.Bytes(), nil
}

// HTML renders a generated plan as a standalone HTML page.
// Raw HTML in model output is not passed through.
func HTML(p *Plan) ([]byte, error) {
	md, err := Markdown(p)
	if err != nil {
		return nil, err
	}
	var body bytes.Buffer
	if err := markdown.Convert(md, &body); err != nil {
		return nil, fmt.Errorf("plan: render html: %w", err)
	}

	title := p.Destination
	if p.Itinerary.Title != "" {
		title = p.Itinerary.Title
	}
	var out bytes.Buffer
	out.WriteString("<!DOCTYPE html>\n<html lang=\"en\">\n<head>\n<meta charset=\"utf-8\">\n")
	fmt.Fprintf(&out, "<title>%s</title>\n", html.EscapeString(title))
	out.WriteString("<style>body{font-family:sans-serif;max-width:52rem;margin:2rem auto;padding:0 1rem}" +
		"table{border-collapse:collapse;width:100%}td,th{border:1px solid #ccc;padding:.3rem .5rem}</style>\n")
	out.WriteString("</head>\n<body>\n")
	out.Write(body.Bytes())
	out.WriteString("</body>\n</html>\n")
	return out.Bytes(), nil
}

// Export renders p in format, returning the content type with the body.
func Export(p *Plan, format string) ([]byte, string, error) {
	switch strings.ToLower(format) {
	case "", FormatMarkdown, "markdown":
		b, err := Markdown(p)
		return b, "text/markdown; charset=utf-8", err
	case FormatHTML:
		b, err := HTML(p)
		return b, "text/html; charset=utf-8", err
	default:
		return nil, "", fmt.Errorf("%w: unsupported export format %q", ErrInvalidInput, format)
	}
}

func flatten(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func cost(v float64, currency string) string {
	if v <= 0 {
		return "free"
	}
	if currency == "" {
		return fmt.Sprintf("%.2f", v)
	}
	return fmt.Sprintf("%.2f %s", v, esc(currency))
}
