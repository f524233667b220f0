// Package persona holds the role -> persona registry and prompt assembly.
package persona

import (
	"strings"
	"sync/atomic"

	"github.com/quill/pkg/models"
)

// Registry maps role tags to personas. Lookups are lock-free; Swap installs
// a whole new persona set atomically so readers never observe a torn mix of
// old and new entries.
type Registry struct {
	personas atomic.Pointer[map[models.RoleTag]models.Persona]
}

// NewRegistry creates a registry from an initial persona set. A "default"
// persona is required as the fallback for unknown tags; if the caller did
// not provide one, a minimal built-in default is installed.
func NewRegistry(personas map[models.RoleTag]models.Persona) *Registry {
	r := &Registry{}
	r.Swap(personas)
	return r
}

// Swap atomically replaces the whole persona set.
func (r *Registry) Swap(personas map[models.RoleTag]models.Persona) {
	set := make(map[models.RoleTag]models.Persona, len(personas)+1)
	for tag, p := range personas {
		set[tag] = p
	}
	if _, ok := set[models.RoleDefault]; !ok {
		set[models.RoleDefault] = models.Persona{
			Role:         models.RoleDefault,
			SystemPrompt: "You are a helpful writing assistant.",
			Params:       models.GenerationParams{MaxTokens: 256, Temperature: 0.7},
		}
	}
	r.personas.Store(&set)
}

// Resolve returns the persona for an exact role tag. Unknown tags fall back
// to the default persona; the second return reports whether that fallback
// was taken, so callers can surface it for observability without treating it
// as an error.
func (r *Registry) Resolve(role models.RoleTag) (models.Persona, bool) {
	set := *r.personas.Load()
	if p, ok := set[role]; ok {
		return p, false
	}
	return set[models.RoleDefault], true
}

// Roles returns the tags currently registered. Intended for diagnostics.
func (r *Registry) Roles() []models.RoleTag {
	set := *r.personas.Load()
	tags := make([]models.RoleTag, 0, len(set))
	for tag := range set {
		tags = append(tags, tag)
	}
	return tags
}

const (
	userTextOpen  = "<<<USER_TEXT>>>"
	userTextClose = "<<<END_USER_TEXT>>>"
)

// Mode-specific instruction scaffolds. The completion scaffold keeps the
// model on a short leash; auto-write gives it room.
var modeFraming = map[models.Mode]string{
	models.ModeComplete:  "Continue the user's text naturally. Reply with the continuation only, no preamble and no commentary.",
	models.ModeRephrase:  "Rewrite the user's text with better clarity and flow while preserving its meaning and tone. Reply with the rewritten text only.",
	models.ModeAutoWrite: "Write the piece the user describes. Reply with the finished text only.",
}

// BuildPrompt assembles the final prompt: persona system prompt, mode
// framing, then the already-redacted user text inside a delimited region so
// no persona template text can be mistaken for user content.
func BuildPrompt(p models.Persona, userText string, mode models.Mode) string {
	framing, ok := modeFraming[mode]
	if !ok {
		framing = modeFraming[models.ModeComplete]
	}

	var b strings.Builder
	b.Grow(len(p.SystemPrompt) + len(framing) + len(userText) + 64)
	b.WriteString(p.SystemPrompt)
	b.WriteString("\n\n")
	b.WriteString(framing)
	b.WriteString("\n\n")
	b.WriteString(userTextOpen)
	b.WriteString("\n")
	b.WriteString(userText)
	b.WriteString("\n")
	b.WriteString(userTextClose)
	return b.String()
}
