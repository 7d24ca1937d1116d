// ABOUTME: Query-template runner: compiles :name/@name placeholders into driver bind variables
// ABOUTME: Argument values only ever travel as bound parameters, never as template text

package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/2389/toolgate/internal/store"
)

var ErrMissingBinding = errors.New("missing binding")

// CompiledTemplate is a template rewritten to positional bind variables.
// Names[i] is the argument bound to the i-th variable.
type CompiledTemplate struct {
	Query string
	Names []string
}

// Bind returns the positional argument list for args.
func (c *CompiledTemplate) Bind(args map[string]any) ([]any, error) {
	bound := make([]any, len(c.Names))
	for i, name := range c.Names {
		v, ok := args[name]
		if !ok {
			return nil, fmt.Errorf("%w: no value supplied for :%s", ErrMissingBinding, name)
		}
		bound[i] = v
	}
	return bound, nil
}

// CompileTemplate rewrites named placeholders (:name or @name) to the bind
// variables produced by bindVar. Placeholders inside quoted strings, quoted
// identifiers and comments are left alone, as are "::" casts.
func CompileTemplate(src string, bindVar func(n int) string) *CompiledTemplate {
	var out strings.Builder
	out.Grow(len(src))
	var names []string

	for i := 0; i < len(src); {
		c := src[i]
		switch {
		case c == '\'' || c == '"' || c == '`':
			end := skipQuoted(src, i, c)
			out.WriteString(src[i:end])
			i = end

		case c == '-' && i+1 < len(src) && src[i+1] == '-':
			end := strings.IndexByte(src[i:], '\n')
			if end < 0 {
				end = len(src) - i
			}
			out.WriteString(src[i : i+end])
			i += end

		case c == '/' && i+1 < len(src) && src[i+1] == '*':
			end := strings.Index(src[i+2:], "*/")
			if end < 0 {
				out.WriteString(src[i:])
				i = len(src)
				continue
			}
			out.WriteString(src[i : i+2+end+2])
			i += 2 + end + 2

		case c == ':' && i+1 < len(src) && src[i+1] == ':':
			out.WriteString("::")
			i += 2

		case (c == ':' || c == '@') && i+1 < len(src) && isNameStart(src[i+1]):
			j := i + 1
			for j < len(src) && isNamePart(src[j]) {
				j++
			}
			names = append(names, src[i+1:j])
			out.WriteString(bindVar(len(names)))
			i = j

		default:
			out.WriteByte(c)
			i++
		}
	}
	return &CompiledTemplate{Query: out.String(), Names: names}
}

// skipQuoted returns the index just past the quoted run starting at start.
// A doubled quote is an escaped quote.
func skipQuoted(src string, start int, q byte) int {
	i := start + 1
	for i < len(src) {
		if src[i] == q {
			if i+1 < len(src) && src[i+1] == q {
				i += 2
				continue
			}
			return i + 1
		}
		i++
	}
	return len(src)
}

func isNameStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isNamePart(c byte) bool {
	return isNameStart(c) || (c >= '0' && c <= '9')
}

// TemplateRunner executes query templates against a TemplateStore.
type TemplateRunner struct {
	store store.TemplateStore

	mu       sync.Mutex
	compiled map[string]*CompiledTemplate
}

const maxCachedTemplates = 256

// NewTemplateRunner creates a runner bound to s.
func NewTemplateRunner(s store.TemplateStore) *TemplateRunner {
	return &TemplateRunner{store: s, compiled: make(map[string]*CompiledTemplate)}
}

func (r *TemplateRunner) compile(body string) *CompiledTemplate {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.compiled[body]; ok {
		return c
	}
	if len(r.compiled) >= maxCachedTemplates {
		clear(r.compiled)
	}
	c := CompileTemplate(body, r.store.BindVar)
	r.compiled[body] = c
	return c
}

// Run binds args into body and returns the rows as a JSON array of objects
// whose keys follow the result's column order.
func (r *TemplateRunner) Run(ctx context.Context, body string, args map[string]any) (string, error) {
	compiled := r.compile(body)
	bound, err := compiled.Bind(args)
	if err != nil {
		return "", err
	}

	rs, err := r.store.RunTemplate(ctx, compiled.Query, bound)
	if err != nil {
		return "", err
	}
	return encodeResultSet(rs)
}

func encodeResultSet(rs *store.ResultSet) (string, error) {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, row := range rs.Rows {
		if i > 0 {
			buf.WriteString(", ")
		}
		buf.WriteByte('{')
		for j, col := range rs.Columns {
			if j > 0 {
				buf.WriteString(", ")
			}
			if err := writeJSON(&buf, col); err != nil {
				return "", err
			}
			buf.WriteString(": ")
			var v any
			if j < len(row) {
				v = row[j]
			}
			if err := writeJSON(&buf, v); err != nil {
				return "", fmt.Errorf("encoding column %q: %w", col, err)
			}
		}
		buf.WriteByte('}')
	}
	buf.WriteByte(']')
	return buf.String(), nil
}

func writeJSON(buf *bytes.Buffer, v any) error {
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	err := enc.Encode(v)
	var unsupportedValue *json.UnsupportedValueError
	var unsupportedType *json.UnsupportedTypeError
	if errors.As(err, &unsupportedValue) || errors.As(err, &unsupportedType) {
		err = enc.Encode(fmt.Sprint(v))
	}
	if err != nil {
		return err
	}
	// Encode appends a newline.
	buf.Truncate(buf.Len() - 1)
	return nil
}

func errorJSON(msg string) string {
	var buf bytes.Buffer
	buf.WriteString(`{"error": `)
	if err := writeJSON(&buf, msg); err != nil {
		return `{"error": "unknown error"}`
	}
	buf.WriteByte('}')
	return buf.String()
}
