package command

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// FieldKind tells BuildRequest how to validate and load a value.
type FieldKind int

const (
	KindText FieldKind = iota
	KindInt
	// KindPath names a local file whose contents are sent.
	KindPath
	// KindJSONPath names a local file that must hold valid JSON.
	KindJSONPath
)

type Field struct {
	Name     string
	Aliases  []string
	Prompt   string
	Kind     FieldKind
	Required bool
}

// Command binds "service action" to one API route.
type Command struct {
	Service string
	Action  string
	Method  string
	Path    string
	Fields  []Field
}

func (c Command) Key() string {
	return c.Service + " " + c.Action
}

func (c Command) hasBody() bool {
	return c.Method == "POST" || c.Method == "PUT" || c.Method == "PATCH"
}

// RequestSpec is what the REPL hands to the HTTP client.
type RequestSpec struct {
	Method  string
	Path    string
	Headers map[string]string
	Body    []byte
}

// Params are key=value pairs from one input line; keys are case-insensitive.
type Params map[string]string

func (p Params) Get(key string) string {
	return p[strings.ToLower(key)]
}

func (p Params) Set(key, value string) {
	p[strings.ToLower(key)] = value
}

// Normalize rewrites aliases to their field names.
func (p Params) Normalize(fields []Field) {
	for _, field := range fields {
		name := strings.ToLower(field.Name)
		for _, alias := range field.Aliases {
			alias = strings.ToLower(alias)
			if value, ok := p[alias]; ok {
				p[name] = value
				delete(p, alias)
			}
		}
	}
}

func parseInt(name, value string) (int64, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	return n, nil
}

func readText(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s failed: %w", path, err)
	}
	return string(data), nil
}

func readJSON(path string) (json.RawMessage, error) {
	text, err := readText(path)
	if err != nil {
		return nil, err
	}
	raw := strings.TrimSpace(text)
	if !json.Valid([]byte(raw)) {
		return nil, errors.New("invalid json content in " + path)
	}
	return json.RawMessage(raw), nil
}
