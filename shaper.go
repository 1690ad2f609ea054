package sandbox

import (
	"encoding/json"
	"fmt"
	"strings"
)

// guestPrelude runs before user code in every context: strict mode and the
// toString helper that flattens arbitrary guest values to a single string.
// Promises are awaited, Errors render as "Name: message", arrays recurse
// elementwise, and everything else goes through JSON.stringify.
const guestPrelude = `"use strict";
async function toString(value) {
	if (typeof value === 'string') return value;
	if (value instanceof Error) return value.constructor.name + ': ' + value.message;
	if (value instanceof Promise) return toString(await value);
	if (Array.isArray(value)) {
		var parts = [];
		for (var i = 0; i < value.length; i++) parts.push(await toString(value[i]));
		return parts.join(', ');
	}
	return JSON.stringify(value);
}
`

// strippedMessagePaths are known large message fields that bloat the guest
// environment; they are removed before embedding.
var strippedMessagePaths = [][]string{
	{"channel", "data", "command_stats"},
	{"channel", "commands"},
	{"command", "description"},
	{"channel", "blocks"},
}

// sanitizeMessage deep-copies the message and removes the stripped paths.
// The copy guarantees the guest never observes a live host reference.
func sanitizeMessage(msg map[string]any) (map[string]any, error) {
	if msg == nil {
		return map[string]any{}, nil
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("copying message: %w", err)
	}
	var copied map[string]any
	if err := json.Unmarshal(raw, &copied); err != nil {
		return nil, fmt.Errorf("copying message: %w", err)
	}
	for _, path := range strippedMessagePaths {
		removePath(copied, path)
	}
	return copied, nil
}

func removePath(m map[string]any, path []string) {
	for i, key := range path {
		if i == len(path)-1 {
			delete(m, key)
			return
		}
		next, ok := m[key].(map[string]any)
		if !ok {
			return
		}
		m = next
	}
}

// shapeScript builds the final script text: prelude, the embedded message,
// then the user code wrapped for execution. Code containing a bare return
// or await token runs inside an async function body; anything else is
// treated as an expression via reflective eval. The substring test is a
// deliberate ergonomic heuristic and misclassifies tokens inside string
// literals; see DESIGN.md.
func shapeScript(code string, msg map[string]any) (string, error) {
	sanitized, err := sanitizeMessage(msg)
	if err != nil {
		return "", err
	}
	inner, err := json.Marshal(sanitized)
	if err != nil {
		return "", fmt.Errorf("embedding message: %w", err)
	}
	// Double-stringified so the guest parses its own private copy.
	literal, err := json.Marshal(string(inner))
	if err != nil {
		return "", fmt.Errorf("embedding message: %w", err)
	}

	var sb strings.Builder
	sb.WriteString(guestPrelude)
	sb.WriteString("var msg = JSON.parse(")
	sb.Write(literal)
	sb.WriteString(");\n")

	if strings.Contains(code, "return") || strings.Contains(code, "await") {
		sb.WriteString("toString((async function evaluate() {\n")
		sb.WriteString(code)
		sb.WriteString("\n})());")
	} else {
		sb.WriteString("toString(eval('")
		sb.WriteString(escapeForEval(code))
		sb.WriteString("'));")
	}
	return sb.String(), nil
}

// escapeForEval makes the snippet safe inside a single-quoted JS string.
var evalEscaper = strings.NewReplacer(
	"\\", "\\\\",
	"'", "\\'",
	"\"", "\\\"",
	"\n", "\\n",
	"\r", "\\r",
	"\u2028", "\\u2028",
	"\u2029", "\\u2029",
)

func escapeForEval(code string) string {
	return evalEscaper.Replace(code)
}
