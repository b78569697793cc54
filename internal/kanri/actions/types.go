// Package actions defines the pluggable handler contract and the registry
// that aggregates handler descriptors and dispatches resolved actions.
//
// The registry is the only coupling to the external intent parser: it
// produces an ordered advertisement of every action, and the parser hands
// back an action name plus parameters.  The registry never calls the parser.
package actions

import (
	"context"
	"fmt"
	"strconv"
	"time"
)

// Parameter types understood by Validate.
const (
	TypeString  = "string"
	TypeInteger = "integer"
	TypeBoolean = "boolean"
)

// Parameter describes one named argument of an action.
type Parameter struct {
	Name        string   `json:"name"`
	Type        string   `json:"type"`
	Description string   `json:"description,omitempty"`
	Required    bool     `json:"required"`
	Enum        []string `json:"enum,omitempty"`
}

// Descriptor is what a handler advertises for one action.  It is immutable
// once registered.
type Descriptor struct {
	Name                 string      `json:"name"`
	Description          string      `json:"description"`
	Parameters           []Parameter `json:"parameters,omitempty"`
	RequiresConfirmation bool        `json:"requires_confirmation"`
	Examples             []string    `json:"examples,omitempty"`

	// Handler is filled in by the registry with the owning handler's name.
	Handler string `json:"handler"`
}

// Usage renders a one-line invocation hint, e.g. "create role=<string> [domain=<string>]".
func (d Descriptor) Usage() string {
	s := d.Name
	for _, p := range d.Parameters {
		arg := p.Name + "=<" + p.Type + ">"
		if !p.Required {
			arg = "[" + arg + "]"
		}
		s += " " + arg
	}
	return s
}

// Request is one invocation of an action.
type Request struct {
	Action      string
	Params      map[string]string
	RequesterID string
	ChannelID   string

	// Confirmed is set when the request is the re-dispatch of an approved
	// confirmation; handlers run their mutating branch directly.
	Confirmed bool
}

// Param returns the named parameter or def when it is absent or empty.
func (r Request) Param(name, def string) string {
	if v, ok := r.Params[name]; ok && v != "" {
		return v
	}
	return def
}

// IntParam returns the named parameter parsed as an int, or def.
func (r Request) IntParam(name string, def int) int {
	v, ok := r.Params[name]
	if !ok || v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// Status is the outcome class of a handler invocation.
type Status string

const (
	StatusSuccess           Status = "SUCCESS"
	StatusError             Status = "ERROR"
	StatusNeedsConfirmation Status = "NEEDS_CONFIRMATION"
)

// Result is returned by every handler invocation.
type Result struct {
	Status  Status         `json:"status"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`

	// The fields below are only meaningful with StatusNeedsConfirmation.

	// Params are the normalised parameters the confirmed re-dispatch will
	// receive.  When nil, the original request parameters are used.
	Params map[string]string `json:"-"`
	// Prompt is the human question shown next to the confirm/cancel hint.
	Prompt string `json:"-"`
	// TTL overrides the default confirmation lifetime when positive.
	TTL time.Duration `json:"-"`
}

// Success builds a SUCCESS result.
func Success(message string, data map[string]any) Result {
	return Result{Status: StatusSuccess, Message: message, Data: data}
}

// Errorf builds an ERROR result with a formatted message.
func Errorf(format string, args ...any) Result {
	return Result{Status: StatusError, Message: fmt.Sprintf(format, args...)}
}

// NeedsConfirmation builds a NEEDS_CONFIRMATION result.
func NeedsConfirmation(prompt string, params map[string]string) Result {
	return Result{Status: StatusNeedsConfirmation, Message: prompt, Prompt: prompt, Params: params}
}

// Handler is a pluggable unit owning one or more actions.
//
// Execute may block on network I/O.  It is called without any registry lock
// held and must bound its own running time.
type Handler interface {
	Name() string
	Descriptors() []Descriptor
	Execute(ctx context.Context, req Request) (Result, error)
}
