package command

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

func executionFields() []Field {
	return []Field{
		{Name: "language", Aliases: []string{"lang"}, Prompt: "language", Kind: KindText, Required: true},
		{Name: "file", Aliases: []string{"source_file"}, Prompt: "source file", Kind: KindPath},
		{Name: "code", Aliases: []string{"inline"}, Prompt: "inline source", Kind: KindText},
		{Name: "url", Prompt: "source url", Kind: KindText},
		{Name: "bucket", Prompt: "object bucket", Kind: KindText},
		{Name: "key", Aliases: []string{"object"}, Prompt: "object key", Kind: KindText},
		{Name: "stdin", Prompt: "stdin", Kind: KindText},
		{Name: "stdin_file", Prompt: "stdin file", Kind: KindPath},
		{Name: "timeout_ms", Aliases: []string{"timeout"}, Prompt: "timeout_ms", Kind: KindInt},
		{Name: "cpu_time_ms", Prompt: "cpu_time_ms", Kind: KindInt},
		{Name: "max_output_bytes", Prompt: "max_output_bytes", Kind: KindInt},
		{Name: "max_memory_bytes", Prompt: "max_memory_bytes", Kind: KindInt},
		{Name: "max_procs", Prompt: "max_procs", Kind: KindInt},
		{Name: "tests_file", Aliases: []string{"tests"}, Prompt: "tests file", Kind: KindJSONPath},
	}
}

// Registry returns all CLI commands keyed by "service action".
func Registry() map[string]Command {
	commands := []Command{
		{
			Service: "exec",
			Action:  "run",
			Method:  "POST",
			Path:    "/api/v1/executions",
			Fields:  executionFields(),
		},
		{
			Service: "exec",
			Action:  "submit",
			Method:  "POST",
			Path:    "/api/v1/executions/async",
			Fields:  executionFields(),
		},
		{
			Service: "exec",
			Action:  "get",
			Method:  "GET",
			Path:    "/api/v1/executions/:id",
			Fields:  []Field{
				{Name: "id", Prompt: "execution_id", Kind: KindText, Required: true},
			},
		},
		{
			Service: "exec",
			Action:  "list",
			Method:  "GET",
			Path:    "/api/v1/executions",
			Fields:  []Field{
				{Name: "language", Aliases: []string{"lang"}, Prompt: "language", Kind: KindText},
				{Name: "status", Prompt: "status", Kind: KindText},
				{Name: "since", Prompt: "since (unix seconds)", Kind: KindInt},
				{Name: "page", Prompt: "page", Kind: KindInt},
				{Name: "page_size", Prompt: "page_size", Kind: KindInt},
			},
		},
		{
			Service: "exec",
			Action:  "languages",
			Method:  "GET",
			Path:    "/api/v1/languages",
		},
	}

	result := make(map[string]Command, len(commands))
	for _, cmd := range commands {
		result[cmd.Key()] = cmd
	}
	return result
}

// BuildRequest creates HTTP request spec based on command.
func BuildRequest(cmd Command, params Params) (RequestSpec, error) {
	params.Normalize(cmd.Fields)
	path, err := buildPath(cmd.Path, params)
	if err != nil {
		return RequestSpec{}, err
	}

	if cmd.Method == "GET" {
		query, err := buildQuery(cmd, params)
		if err != nil {
			return RequestSpec{}, err
		}
		if query != "" {
			path += "?" + query
		}
	}

	headers := map[string]string{}
	var body []byte
	if cmd.hasBody() {
		payload, err := buildPayload(cmd, params)
		if err != nil {
			return RequestSpec{}, err
		}
		if payload != nil {
			body, err = json.Marshal(payload)
			if err != nil {
				return RequestSpec{}, fmt.Errorf("marshal request body failed: %w", err)
			}
			headers["Content-Type"] = "application/json"
		}
	}

	return RequestSpec{
		Method:  cmd.Method,
		Path:    path,
		Headers: headers,
		Body:    body,
	}, nil
}

func buildPath(template string, params Params) (string, error) {
	path := template
	for _, key := range []string{"id"} {
		placeholder := ":" + key
		if strings.Contains(path, placeholder) {
			value := params.Get(key)
			if value == "" {
				return "", fmt.Errorf("missing path parameter: %s", key)
			}
			path = strings.ReplaceAll(path, placeholder, value)
		}
	}
	return path, nil
}

// buildQuery encodes non-path fields of GET commands.
func buildQuery(cmd Command, params Params) (string, error) {
	values := url.Values{}
	for _, field := range cmd.Fields {
		if strings.Contains(cmd.Path, ":"+field.Name) {
			continue
		}
		value := params.Get(field.Name)
		if value == "" {
			continue
		}
		if field.Kind == KindInt {
			if _, err := parseInt(field.Name, value); err != nil {
				return "", err
			}
		}
		values.Set(field.Name, value)
	}
	return values.Encode(), nil
}

func buildPayload(cmd Command, params Params) (interface{}, error) {
	if cmd.Service == "exec" && (cmd.Action == "run" || cmd.Action == "submit") {
		return buildExecutionPayload(params)
	}
	return nil, nil
}

func buildExecutionPayload(params Params) (interface{}, error) {
	source, err := buildSource(params)
	if err != nil {
		return nil, err
	}

	stdin := params.Get("stdin")
	if stdin == "" && params.Get("stdin_file") != "" {
		stdin, err = readText(params.Get("stdin_file"))
		if err != nil {
			return nil, err
		}
	}

	limits := map[string]int64{}
	for field, key := range map[string]string{
		"timeout_ms":       "timeoutMs",
		"cpu_time_ms":      "cpuTimeMs",
		"max_output_bytes": "maxOutputBytes",
		"max_memory_bytes": "maxMemoryBytes",
		"max_procs":        "maxProcs",
	} {
		if params.Get(field) == "" {
			continue
		}
		n, err := parseInt(field, params.Get(field))
		if err != nil {
			return nil, err
		}
		limits[key] = n
	}

	payload := map[string]interface{}{
		"language": params.Get("language"),
		"source":   source,
	}
	if stdin != "" {
		payload["stdin"] = stdin
	}
	if len(limits) > 0 {
		payload["limits"] = limits
	}
	if params.Get("tests_file") != "" {
		tests, err := readJSON(params.Get("tests_file"))
		if err != nil {
			return nil, fmt.Errorf("invalid tests_file: %w", err)
		}
		payload["testCases"] = tests
	}
	return payload, nil
}

// buildSource picks exactly one of file, code, url or bucket/key.
func buildSource(params Params) (map[string]interface{}, error) {
	var set []string
	for _, key := range []string{"file", "code", "url", "key"} {
		if params.Get(key) != "" {
			set = append(set, key)
		}
	}
	if len(set) == 0 {
		return nil, fmt.Errorf("one of file, code, url or key is required")
	}
	if len(set) > 1 {
		return nil, fmt.Errorf("only one source allowed, got %s", strings.Join(set, ","))
	}

	switch set[0] {
	case "file":
		code, err := readText(params.Get("file"))
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"inline": code}, nil
	case "code":
		return map[string]interface{}{"inline": params.Get("code")}, nil
	case "url":
		return map[string]interface{}{"url": params.Get("url")}, nil
	default:
		object := map[string]string{"key": params.Get("key")}
		if params.Get("bucket") != "" {
			object["bucket"] = params.Get("bucket")
		}
		return map[string]interface{}{"object": object}, nil
	}
}
