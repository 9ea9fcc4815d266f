// Package view renders controller state into the text shown to users.
package view

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	"github.com/gomithril/embeddinglab/session"
)

// PreviewLimit is the number of leading vector elements shown in a preview.
const PreviewLimit = 128

const (
	noEmbedding   = "No embedding yet."
	truncatedNote = "\n\n... (first 128 elements)"
)

// StatusLine is the status followed by the load percentage when one is known.
func StatusLine(s session.Snapshot) string {
	if s.Progress == nil {
		return s.Status
	}
	return s.Status + " — " + strconv.Itoa(*s.Progress) + "%"
}

func Meta(s session.Snapshot) string {
	if s.Embedding == nil {
		return noEmbedding
	}
	return fmt.Sprintf("Vector length: %d", len(s.Embedding))
}

// Preview returns at most PreviewLimit leading elements of vec.
func Preview(vec []float32) (head []float32, truncated bool) {
	if len(vec) <= PreviewLimit {
		return vec, false
	}
	return vec[:PreviewLimit], true
}

// ResultText is the preview as indented JSON, or "" without an embedding.
func ResultText(s session.Snapshot) string {
	if s.Embedding == nil {
		return ""
	}

	head, truncated := Preview(s.Embedding)
	data, err := json.MarshalIndent(Vector(head), "", "  ")
	if err != nil {
		return ""
	}

	text := string(data)
	if truncated {
		text += truncatedNote
	}
	return text
}

// Vector is an embedding that encodes NaN and Inf as null instead of failing.
type Vector []float32

func (v Vector) MarshalJSON() ([]byte, error) {
	return json.Marshal(jsonValues(v))
}

func jsonValues(vec []float32) []any {
	out := make([]any, len(vec))
	for i, v := range vec {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			continue
		}
		out[i] = v
	}
	return out
}

// State is the rendered form of a snapshot pushed to the page.
type State struct {
	StatusLine string `json:"status_line"`
	Meta       string `json:"meta"`
	Result     string `json:"result"`
	Loaded     bool   `json:"loaded"`
	Busy       bool   `json:"busy"`
	Phase      string `json:"phase"`
	Dim        int    `json:"dim,omitempty"`
}

func Render(s session.Snapshot) State {
	return State{
		StatusLine: StatusLine(s),
		Meta:       Meta(s),
		Result:     ResultText(s),
		Loaded:     s.Loaded,
		Busy:       s.Phase.InFlight(),
		Phase:      s.Phase.String(),
		Dim:        s.Dim,
	}
}
