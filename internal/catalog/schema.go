// ABOUTME: SchemaBuilder maps tool parameters to an input schema
// ABOUTME: Schemas render as JSON Schema and validate/coerce caller arguments

package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/2389/toolgate/internal/store"
)

// PrimitiveType is the declared type of a tool parameter.
type PrimitiveType string

const (
	TypeString  PrimitiveType = "STRING"
	TypeNumber  PrimitiveType = "NUMBER"
	TypeBoolean PrimitiveType = "BOOLEAN"
)

// ParsePrimitiveType maps a stored type name to a PrimitiveType.
// Unknown names fall back to TypeString.
func ParsePrimitiveType(s string) PrimitiveType {
	switch PrimitiveType(strings.ToUpper(strings.TrimSpace(s))) {
	case TypeNumber:
		return TypeNumber
	case TypeBoolean:
		return TypeBoolean
	default:
		return TypeString
	}
}

// ErrMissingRequiredParameter is wrapped by MissingParameterError.
var ErrMissingRequiredParameter = errors.New("missing required parameter")

// MissingParameterError names the required parameter that was absent.
type MissingParameterError struct {
	Name string
}

func (e *MissingParameterError) Error() string {
	return fmt.Sprintf("missing required parameter %q", e.Name)
}

func (e *MissingParameterError) Unwrap() error { return ErrMissingRequiredParameter }

// Field is one entry of a Schema.
type Field struct {
	Name        string
	Type        PrimitiveType
	Required    bool
	Description string
}

// Schema is the ordered input shape of a tool.
type Schema struct {
	Fields []Field
}

// BuildSchema produces one Field per parameter, preserving order.
func BuildSchema(params []store.ToolParameter) *Schema {
	fields := make([]Field, len(params))
	for i, p := range params {
		fields[i] = Field{
			Name:        p.Name,
			Type:        ParsePrimitiveType(p.Type),
			Required:    p.Required,
			Description: p.Description,
		}
	}
	return &Schema{Fields: fields}
}

// SchemaBuilder builds schemas for catalog tools.
type SchemaBuilder struct {
	catalog *Catalog
}

// NewSchemaBuilder creates a SchemaBuilder reading from the catalog.
func NewSchemaBuilder(c *Catalog) *SchemaBuilder {
	return &SchemaBuilder{catalog: c}
}

// BuildSchema loads the tool's parameters and maps them to a Schema.
func (b *SchemaBuilder) BuildSchema(ctx context.Context, toolID string) (*Schema, error) {
	params, err := b.catalog.ParametersOf(ctx, toolID)
	if err != nil {
		return nil, err
	}
	return BuildSchema(params), nil
}

type jsonSchemaProperty struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

type namedProperty struct {
	name string
	prop jsonSchemaProperty
}

// orderedProperties marshals as a JSON object whose keys keep declaration order.
type orderedProperties []namedProperty

func (o orderedProperties) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, np := range o {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(np.name)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(np.prop)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

type jsonSchemaDoc struct {
	Type       string            `json:"type"`
	Properties orderedProperties `json:"properties"`
	Required   []string          `json:"required"`
}

// JSONSchema renders the schema as a JSON Schema object. Properties and the
// required list follow parameter order.
func (s *Schema) JSONSchema() json.RawMessage {
	doc := jsonSchemaDoc{
		Type:       "object",
		Properties: make(orderedProperties, 0, len(s.Fields)),
		Required:   []string{},
	}
	for _, f := range s.Fields {
		var typ string
		switch f.Type {
		case TypeNumber:
			typ = "number"
		case TypeBoolean:
			typ = "boolean"
		default:
			typ = "string"
		}
		doc.Properties = append(doc.Properties, namedProperty{
			name: f.Name,
			prop: jsonSchemaProperty{Type: typ, Description: f.Description},
		})
		if f.Required {
			doc.Required = append(doc.Required, f.Name)
		}
	}

	data, err := json.Marshal(doc)
	if err != nil {
		// Only strings and fixed keys are marshalled.
		return json.RawMessage(`{"type":"object"}`)
	}
	return data
}

// Validate checks required fields and coerces values to their declared types.
//
// The result holds exactly the declared fields: absent optional fields map to
// nil and undeclared or reserved ("_"-prefixed) keys are dropped. Coercion is
// best-effort; a value that cannot be coerced is passed through unchanged so
// the backend reports the problem.
func (s *Schema) Validate(args map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(s.Fields))
	for _, f := range s.Fields {
		v, present := args[f.Name]
		if !present || v == nil {
			if f.Required {
				return nil, &MissingParameterError{Name: f.Name}
			}
			out[f.Name] = nil
			continue
		}
		out[f.Name] = coerce(f.Type, v)
	}
	return out, nil
}

// StripReserved returns args without keys that begin with an underscore.
func StripReserved(args map[string]any) map[string]any {
	out := make(map[string]any, len(args))
	for k, v := range args {
		if strings.HasPrefix(k, "_") {
			continue
		}
		out[k] = v
	}
	return out
}

func coerce(t PrimitiveType, v any) any {
	switch t {
	case TypeNumber:
		return coerceNumber(v)
	case TypeBoolean:
		return coerceBool(v)
	default:
		return coerceString(v)
	}
}

// coerceNumber yields int64 for integral values and float64 otherwise.
func coerceNumber(v any) any {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int32:
		return int64(n)
	case int64:
		return n
	case float32:
		return normalizeFloat(float64(n))
	case float64:
		return normalizeFloat(n)
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i
		}
		if f, err := n.Float64(); err == nil {
			return normalizeFloat(f)
		}
	case string:
		s := strings.TrimSpace(n)
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return i
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return normalizeFloat(f)
		}
	case bool:
		if n {
			return int64(1)
		}
		return int64(0)
	}
	return v
}

func normalizeFloat(f float64) any {
	if f == math.Trunc(f) && !math.IsInf(f, 0) && math.Abs(f) < 1<<53 {
		return int64(f)
	}
	return f
}

func coerceBool(v any) any {
	switch b := v.(type) {
	case bool:
		return b
	case string:
		switch strings.ToLower(strings.TrimSpace(b)) {
		case "true", "1", "yes", "y", "on":
			return true
		case "false", "0", "no", "n", "off", "":
			return false
		}
	case float64:
		return b != 0
	case int:
		return b != 0
	case int64:
		return b != 0
	case json.Number:
		if f, err := b.Float64(); err == nil {
			return f != 0
		}
	}
	return v
}

func coerceString(v any) any {
	switch s := v.(type) {
	case string:
		return s
	case bool:
		return strconv.FormatBool(s)
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case int:
		return strconv.Itoa(s)
	case int64:
		return strconv.FormatInt(s, 10)
	case json.Number:
		return s.String()
	}
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	return string(data)
}
