package actions

import (
	"strings"
)

// Catalogue is an ordered advertisement rendered for prompts and help text.
type Catalogue []Descriptor

// Catalogue returns the current advertisement as a Catalogue.
func (r *Registry) Catalogue() Catalogue {
	return Catalogue(r.Advertisement())
}

// Names returns the action names in advertisement order.
func (c Catalogue) Names() []string {
	names := make([]string, len(c))
	for i, d := range c {
		names[i] = d.Name
	}
	return names
}

// String formats the catalogue as a block suitable for embedding in an LLM
// system prompt.  Parameters are listed with their type and whether they are
// required so the model can fill them in.
func (c Catalogue) String() string {
	if len(c) == 0 {
		return "(no actions registered)"
	}
	var sb strings.Builder
	for _, d := range c {
		sb.WriteString(d.Name)
		sb.WriteString(" [handler: ")
		sb.WriteString(d.Handler)
		sb.WriteString("]")
		if d.RequiresConfirmation {
			sb.WriteString(" [requires confirmation]")
		}
		sb.WriteString("\n  Description: ")
		sb.WriteString(d.Description)
		for _, p := range d.Parameters {
			sb.WriteString("\n  Param:       ")
			sb.WriteString(p.Name)
			sb.WriteString(" (")
			sb.WriteString(p.Type)
			if p.Required {
				sb.WriteString(", required")
			}
			sb.WriteString(")")
			if p.Description != "" {
				sb.WriteString(" ")
				sb.WriteString(p.Description)
			}
		}
		for _, ex := range d.Examples {
			sb.WriteString("\n  Example:     ")
			sb.WriteString(ex)
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

// Help renders a compact, human-oriented list grouped by handler.
func (c Catalogue) Help() string {
	if len(c) == 0 {
		return "No actions are available."
	}
	var sb strings.Builder
	sb.WriteString("Available actions:\n")
	current := ""
	for _, d := range c {
		if d.Handler != current {
			current = d.Handler
			sb.WriteString("\n**")
			sb.WriteString(current)
			sb.WriteString("**\n")
		}
		sb.WriteString("• `")
		sb.WriteString(d.Usage())
		sb.WriteString("` ")
		sb.WriteString(d.Description)
		if d.RequiresConfirmation {
			sb.WriteString(" (asks for confirmation)")
		}
		sb.WriteString("\n")
		if len(d.Examples) > 0 {
			sb.WriteString("  e.g. \"")
			sb.WriteString(d.Examples[0])
			sb.WriteString("\"\n")
		}
	}
	return sb.String()
}
