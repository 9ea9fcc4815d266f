package view

import (
	"bytes"
	"encoding/json"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomithril/embeddinglab/session"
)

func intPtr(v int) *int { return &v }

func TestStatusLine(t *testing.T) {
	assert.Equal(t, "idle", StatusLine(session.Snapshot{Status: "idle"}))
	assert.Equal(t, "loading model from url — 42%",
		StatusLine(session.Snapshot{Status: "loading model from url", Progress: intPtr(42)}))
	assert.Equal(t, "loading model from url — 0%",
		StatusLine(session.Snapshot{Status: "loading model from url", Progress: intPtr(0)}))
}

func TestMeta(t *testing.T) {
	assert.Equal(t, "No embedding yet.", Meta(session.Snapshot{}))
	assert.Equal(t, "Vector length: 3", Meta(session.Snapshot{Embedding: []float32{1, 2, 3}}))
}

func TestResultTextShort(t *testing.T) {
	got := ResultText(session.Snapshot{Embedding: []float32{0.1, 0.2, 0.3}})

	assert.Equal(t, "[\n  0.1,\n  0.2,\n  0.3\n]", got)
	assert.NotContains(t, got, "first 128 elements")
}

func TestResultTextTruncated(t *testing.T) {
	vec := make([]float32, 200)
	for i := range vec {
		vec[i] = float32(i)
	}

	got := ResultText(session.Snapshot{Embedding: vec})

	require.True(t, strings.HasSuffix(got, "\n\n... (first 128 elements)"))
	assert.Contains(t, got, "  127\n]")
	assert.NotContains(t, got, "  128")
	assert.Equal(t, 128, strings.Count(got, "\n  "))
}

func TestResultTextNonFinite(t *testing.T) {
	vec := make([]float32, 200)
	vec[3] = float32(math.NaN())
	vec[5] = float32(math.Inf(-1))

	got := ResultText(session.Snapshot{Embedding: vec})

	assert.True(t, strings.HasPrefix(got, "[\n  0,\n  0,\n  0,\n  null,\n  0,\n  null,"))
	assert.True(t, strings.HasSuffix(got, "\n\n... (first 128 elements)"))
	assert.Equal(t, 128, strings.Count(got, "\n  "))
}

func TestVectorJSON(t *testing.T) {
	data, err := json.Marshal(Vector{0.5, float32(math.Inf(1)), -1})
	require.NoError(t, err)
	assert.Equal(t, "[0.5,null,-1]", string(data))
}

func TestResultTextEmpty(t *testing.T) {
	assert.Equal(t, "", ResultText(session.Snapshot{}))
}

func TestPreview(t *testing.T) {
	head, truncated := Preview(make([]float32, PreviewLimit))
	assert.Len(t, head, PreviewLimit)
	assert.False(t, truncated)

	head, truncated = Preview(make([]float32, PreviewLimit+1))
	assert.Len(t, head, PreviewLimit)
	assert.True(t, truncated)
}

func TestRender(t *testing.T) {
	s := session.Snapshot{
		Status:    "creating embedding",
		Loaded:    true,
		Phase:     session.PhaseBusy,
		Embedding: []float32{1},
		Dim:       768,
	}

	got := Render(s)
	assert.Equal(t, "creating embedding", got.StatusLine)
	assert.Equal(t, "Vector length: 1", got.Meta)
	assert.True(t, got.Busy)
	assert.True(t, got.Loaded)
	assert.Equal(t, "busy", got.Phase)
	assert.Equal(t, 768, got.Dim)
}

func TestPageTemplate(t *testing.T) {
	tmpl, err := Templates()
	require.NoError(t, err)

	page := NewPage("https://example.com/model.onnx", "<hello>", ".onnx", session.Snapshot{Status: "idle"})
	var buf bytes.Buffer
	require.NoError(t, tmpl.ExecuteTemplate(&buf, PageTemplate, page))

	html := buf.String()
	assert.Contains(t, html, "https://example.com/model.onnx")
	assert.Contains(t, html, `accept=".onnx,.onnx_data"`)
	assert.Contains(t, html, "&lt;hello&gt;")
	assert.Contains(t, html, "No embedding yet.")
	assert.Contains(t, html, "/api/events")
}
