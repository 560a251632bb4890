package report

import (
	"fmt"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/glamour/ansi"
	"github.com/charmbracelet/glamour/styles"
)

// RenderOptions controls terminal rendering.
type RenderOptions struct {
	Width int
	// Plain disables colors, for pipes and non-TTY output.
	Plain bool
}

// Render renders Markdown for a terminal.
func Render(markdown string, opts RenderOptions) (string, error) {
	if opts.Width <= 0 {
		opts.Width = 100
	}

	style := styles.DraculaStyleConfig
	if opts.Plain {
		style = styles.NoTTYStyleConfig
	} else {
		// Inline code without the block background reads better in tables.
		style.Code = ansi.StyleBlock{
			StylePrimitive: ansi.StylePrimitive{
				Color:           stringPtr("229"),
				BackgroundColor: stringPtr(""),
			},
		}
	}

	r, err := glamour.NewTermRenderer(
		glamour.WithStyles(style),
		glamour.WithWordWrap(opts.Width),
	)
	if err != nil {
		return "", fmt.Errorf("creating markdown renderer: %w", err)
	}
	out, err := r.Render(stripFrontmatter(markdown))
	if err != nil {
		return "", fmt.Errorf("rendering report: %w", err)
	}
	return out, nil
}

// stripFrontmatter drops a leading YAML block, which glamour would print as text.
func stripFrontmatter(md string) string {
	const delim = "---\n"
	if len(md) < len(delim) || md[:len(delim)] != delim {
		return md
	}
	rest := md[len(delim):]
	for i := 0; i+len(delim) <= len(rest); i++ {
		if (i == 0 || rest[i-1] == '\n') && rest[i:i+len(delim)] == delim {
			return rest[i+len(delim):]
		}
	}
	return md
}

func stringPtr(s string) *string {
	return &s
}
