package chain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRender(t *testing.T) {
	tests := []struct {
		name  string
		tmpl  string
		input string
		want  string
	}{
		{"single token", "Summarize: {input}", "the text", "Summarize: the text"},
		{"repeated token", "{input} / {input}", "x", "x / x"},
		{"no token", "Static prompt", "ignored", "Static prompt"},
		{"previous output left verbatim", "{input} then {previous_output}", "a", "a then {previous_output}"},
		{"empty input", "[{input}]", "", "[]"},
		{"unicode", "→ {input} ←", "héllo", "→ héllo ←"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Render(tt.tmpl, tt.input))
		})
	}
}

func TestRenderChained(t *testing.T) {
	got := RenderChained("Input: {input}\nPrev: {previous_output}\nAgain: {previous_output}", "in", "out")
	assert.Equal(t, "Input: in\nPrev: out\nAgain: out", got)
}

func TestRenderChained_EmptyPrevious(t *testing.T) {
	assert.Equal(t, "Refine: ", RenderChained("Refine: {previous_output}", "in", ""))
}

func TestRenderChained_NoReexpansion(t *testing.T) {
	got := RenderChained("{input}|{previous_output}", "{previous_output}", "{input}")
	assert.Equal(t, "{previous_output}|{input}", got)
}

func TestRender_NoReexpansion(t *testing.T) {
	assert.Equal(t, "say {input}", Render("say {input}", "{input}"))
}
