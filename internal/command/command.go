// Copyright Mia srl
// SPDX-License-Identifier: AGPL-3.0-only or Commercial

// Package command turns the configured command template into the argv a
// fork will execute. Every run value is available inside the template,
// both at top level ({{.epochs}}) and under Values ({{.Values.epochs}}),
// together with the run id and a small helper function set.
package command

import (
	"bytes"
	"errors"
	"fmt"
	"text/template"
	"unicode"

	"github.com/mia-platform/furcate/internal/config"
	"github.com/mia-platform/furcate/internal/sweep"
)

// ErrEmptyCommand is returned when a template renders to nothing
// executable.
var ErrEmptyCommand = errors.New("empty command")

// Renderer renders the per run command line from the template the
// configuration declares in meta.command. Rendering a given run always
// produces the same argv unless the template itself calls UUIDV4.
type Renderer struct {
	source string
	tmpl   *template.Template
}

// New parses source as a command template. Unknown keys fail at render
// time rather than expanding to "<no value>".
func New(source string) (*Renderer, error) {
	tmpl, err := template.New("command").Option("missingkey=error").Funcs(helpers()).Parse(source)
	if err != nil {
		return nil, newParsingError(source, err)
	}

	return &Renderer{source: source, tmpl: tmpl}, nil
}

// Render executes the template against run and splits the result into
// argv entries on whitespace outside quotes.
func (r *Renderer) Render(run *sweep.Run) ([]string, error) {
	var rendered bytes.Buffer
	if err := r.tmpl.Execute(&rendered, contextFor(run)); err != nil {
		return nil, newParsingError(r.source, err)
	}

	argv, err := splitArgs(rendered.String())
	if err != nil {
		return nil, newParsingError(r.source, err)
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("%w: template %q rendered no arguments", ErrEmptyCommand, r.source)
	}

	return argv, nil
}

// contextFor exposes the run to the template: values flattened at top
// level, the same map under Values, and RunID. Values and RunID win over
// clashing configuration keys.
func contextFor(run *sweep.Run) map[string]any {
	values := make(map[string]any, len(run.Values))
	context := make(map[string]any, len(run.Values)+2)
	for key, value := range run.Values {
		if key == config.MetaKey {
			continue
		}
		values[key] = value
		context[key] = value
	}

	context["Values"] = values
	context["RunID"] = run.ID
	return context
}

// splitArgs splits a rendered command on whitespace, honoring quotes so
// an argument can carry spaces. Inside double quotes a backslash escapes
// the next character, which lets Quote and ToJSON output pass through
// intact; single quoted text is taken literally.
func splitArgs(rendered string) ([]string, error) {
	var argv []string
	var current bytes.Buffer
	var quote rune
	escaped := false
	pending := false

	for _, character := range rendered {
		switch {
		case escaped:
			current.WriteRune(character)
			escaped = false
		case quote == '"' && character == '\\':
			escaped = true
		case quote != 0:
			if character == quote {
				quote = 0
				continue
			}
			current.WriteRune(character)
		case character == '\'' || character == '"':
			quote = character
			pending = true
		case unicode.IsSpace(character):
			if pending {
				argv = append(argv, current.String())
				current.Reset()
				pending = false
			}
		default:
			current.WriteRune(character)
			pending = true
		}
	}

	if quote != 0 || escaped {
		return nil, fmt.Errorf("unterminated %c quote", quote)
	}
	if pending {
		argv = append(argv, current.String())
	}

	return argv, nil
}
