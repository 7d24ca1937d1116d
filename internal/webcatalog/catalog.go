// ABOUTME: Read-only HTML page listing every invocable tool and its parameters
// ABOUTME: Human descriptions are Markdown rendered with goldmark; raw HTML in them is dropped

package webcatalog

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"html/template"
	"log/slog"
	"net/http"
	"sort"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/2389/toolgate/internal/dispatch"
)

//go:embed templates/*.html
var templateFS embed.FS

var pageTemplate = template.Must(template.ParseFS(templateFS, "templates/catalog.html"))

// Lister supplies the tools to show.
type Lister interface {
	ListTools(ctx context.Context) []dispatch.ToolInfo
}

type paramView struct {
	Name        string
	Type        string
	Required    bool
	Description string
}

type toolView struct {
	Name        string
	Description string
	Builtin     bool
	Details     template.HTML
	Params      []paramView
}

type pageData struct {
	Title string
	Tools []toolView
}

// Handler serves the catalog page.
type Handler struct {
	lister   Lister
	title    string
	markdown goldmark.Markdown
	logger   *slog.Logger
}

// NewHandler creates a catalog page handler.
func NewHandler(lister Lister, title string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if title == "" {
		title = "Tool catalog"
	}
	return &Handler{
		lister:   lister,
		title:    title,
		markdown: goldmark.New(goldmark.WithExtensions(extension.GFM)),
		logger:   logger.With("component", "webcatalog"),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	tools := h.lister.ListTools(r.Context())
	data := pageData{Title: h.title, Tools: make([]toolView, 0, len(tools))}
	for _, t := range tools {
		data.Tools = append(data.Tools, toolView{
			Name:        t.Name,
			Description: t.Description,
			Builtin:     t.Builtin,
			Details:     h.render(t.HumanDescription),
			Params:      paramsOf(t.InputSchema),
		})
	}

	var buf bytes.Buffer
	if err := pageTemplate.Execute(&buf, data); err != nil {
		h.logger.Error("failed to render catalog", "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

// render converts Markdown to HTML. goldmark's default renderer omits raw
// HTML, so the result is safe to embed.
func (h *Handler) render(md string) template.HTML {
	md = strings.TrimSpace(md)
	if md == "" {
		return ""
	}
	var buf bytes.Buffer
	if err := h.markdown.Convert([]byte(md), &buf); err != nil {
		h.logger.Error("failed to convert markdown", "error", err)
		return template.HTML("<p>" + template.HTMLEscapeString(md) + "</p>")
	}
	return template.HTML(buf.String())
}

type schemaDoc struct {
	Properties map[string]struct {
		Type        string `json:"type"`
		Description string `json:"description"`
	} `json:"properties"`
	Required []string `json:"required"`
}

// paramsOf lists a JSON Schema's properties, required ones first.
func paramsOf(raw json.RawMessage) []paramView {
	var doc schemaDoc
	if len(raw) == 0 || json.Unmarshal(raw, &doc) != nil {
		return nil
	}
	required := make(map[string]bool, len(doc.Required))
	for _, name := range doc.Required {
		required[name] = true
	}
	out := make([]paramView, 0, len(doc.Properties))
	for name, p := range doc.Properties {
		out = append(out, paramView{Name: name, Type: p.Type, Required: required[name], Description: p.Description})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Required != out[j].Required {
			return out[i].Required
		}
		return out[i].Name < out[j].Name
	})
	return out
}
