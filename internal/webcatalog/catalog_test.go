// ABOUTME: Tests for the HTML tool catalog page
// ABOUTME: Checks Markdown rendering, HTML escaping and parameter tables

package webcatalog

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/toolgate/internal/dispatch"
)

type fixedLister []dispatch.ToolInfo

func (f fixedLister) ListTools(context.Context) []dispatch.ToolInfo { return f }

func TestCatalogPage(t *testing.T) {
	h := NewHandler(fixedLister{
		{
			Name:        "add",
			Description: "[System] Add two numbers",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"a":{"type":"integer"},"b":{"type":"integer"}},"required":["a","b"]}`),
			Builtin:     true,
		},
		{
			Name:             "lookup",
			Description:      "[Dynamic] Find a user",
			InputSchema:      json.RawMessage(`{"type":"object","properties":{"id":{"type":"number","description":"User ID"},"verbose":{"type":"boolean"}},"required":["id"]}`),
			HumanDescription: "Looks up a **user**.\n\n<script>alert(1)</script>\n\n| col |\n|-----|\n| v |",
		},
	}, "", nil)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/catalog", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "text/html; charset=utf-8", rr.Header().Get("Content-Type"))

	body := rr.Body.String()
	assert.Contains(t, body, "<title>Tool catalog</title>")
	assert.Contains(t, body, "2 tools available.")
	assert.Contains(t, body, "<strong>user</strong>")
	assert.Contains(t, body, "<table>")
	assert.NotContains(t, body, "<script>alert(1)</script>")
	assert.Contains(t, body, "<code>id</code></td><td>number</td><td>yes</td><td>User ID</td>")
	assert.Contains(t, body, "<code>verbose</code></td><td>boolean</td><td>no</td>")
	assert.Contains(t, body, `<span class="badge system">system</span>`)
}

func TestCatalogPage_MethodNotAllowed(t *testing.T) {
	h := NewHandler(fixedLister{}, "Tools", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/catalog", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestParamsOf(t *testing.T) {
	params := paramsOf(json.RawMessage(`{"properties":{"z":{"type":"string"},"b":{"type":"number"},"a":{"type":"string"}},"required":["z"]}`))
	require.Len(t, params, 3)
	assert.Equal(t, []string{"z", "a", "b"}, []string{params[0].Name, params[1].Name, params[2].Name})
	assert.True(t, params[0].Required)

	assert.Nil(t, paramsOf(json.RawMessage(`not json`)))
	assert.Nil(t, paramsOf(nil))
}
