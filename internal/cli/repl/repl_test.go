package repl

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"execbox/internal/cli/command"
	httpclient "execbox/internal/cli/http"
	"execbox/internal/cli/state"
)

type scriptedReader struct {
	lines   []string
	prompts []string
}

func (r *scriptedReader) Readline() (string, error) {
	if len(r.lines) == 0 {
		return "", io.EOF
	}
	line := r.lines[0]
	r.lines = r.lines[1:]
	return line, nil
}

func (r *scriptedReader) SetPrompt(p string) {
	r.prompts = append(r.prompts, p)
}

func newTestSession(t *testing.T, baseURL string) (*Session, *bytes.Buffer, *state.TokenState) {
	t.Helper()
	tokenState := &state.TokenState{}
	client := httpclient.New(baseURL, time.Second, func() string { return tokenState.Token })
	dir := t.TempDir()
	s := New(client, command.Registry(), tokenState, filepath.Join(dir, "state.json"), filepath.Join(dir, "history"), false)
	out := &bytes.Buffer{}
	s.out = out
	return s, out, tokenState
}

func TestHandleLineRunsCommand(t *testing.T) {
	var gotBody map[string]interface{}
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/executions" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_, _ = w.Write([]byte(`{"code":10000,"data":{"status":"ok"}}`))
	}))
	defer srv.Close()

	s, out, _ := newTestSession(t, srv.URL)
	s.handleLine(context.Background(), "set token abc")
	if quit := s.handleLine(context.Background(), `exec run language=bash code="echo hi" stdin=x`); quit {
		t.Fatalf("unexpected quit")
	}

	if gotAuth != "Bearer abc" {
		t.Fatalf("unexpected auth header: %q", gotAuth)
	}
	source := gotBody["source"].(map[string]interface{})
	if gotBody["language"] != "bash" || source["inline"] != "echo hi" || gotBody["stdin"] != "x" {
		t.Fatalf("unexpected body: %v", gotBody)
	}
	if !strings.Contains(out.String(), "HTTP 200") || !strings.Contains(out.String(), `"status":"ok"`) {
		t.Fatalf("unexpected output: %s", out.String())
	}
}

func TestPromptMissingRequiredField(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	s, out, _ := newTestSession(t, srv.URL)
	reader := &scriptedReader{lines: []string{" e-42 "}}
	s.in = reader
	s.handleLine(context.Background(), "exec get")

	if gotPath != "/api/v1/executions/e-42" {
		t.Fatalf("unexpected path: %s", gotPath)
	}
	if len(reader.prompts) != 2 || reader.prompts[0] != "execution_id: " || reader.prompts[1] != prompt {
		t.Fatalf("unexpected prompts: %v", reader.prompts)
	}
	if !strings.Contains(out.String(), "HTTP 404") {
		t.Fatalf("unexpected output: %s", out.String())
	}
}

func TestSystemCommands(t *testing.T) {
	s, out, tokenState := newTestSession(t, "http://127.0.0.1:1")

	s.handleLine(context.Background(), "set base http://exec:9000/")
	s.handleLine(context.Background(), "set timeout nope")
	s.handleLine(context.Background(), "set token abcdefghijklmnop")
	s.handleLine(context.Background(), "show token")
	s.handleLine(context.Background(), "show config")

	text := out.String()
	for _, want := range []string{
		"base set to http://exec:9000",
		"invalid duration: nope",
		"token: abcdef...mnop",
		"historyPath:",
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("output missing %q:\n%s", want, text)
		}
	}

	saved, err := state.Load(s.statePath)
	if err != nil || saved.Token != "abcdefghijklmnop" {
		t.Fatalf("token not persisted: %+v err=%v", saved, err)
	}
	s.handleLine(context.Background(), "set token clear")
	if tokenState.Token != "" {
		t.Fatalf("token not cleared")
	}
	if quit := s.handleLine(context.Background(), "exit"); !quit {
		t.Fatalf("exit should end the session")
	}
}

func TestHandleLineErrors(t *testing.T) {
	s, out, _ := newTestSession(t, "http://127.0.0.1:1")
	s.handleLine(context.Background(), "exec")
	s.handleLine(context.Background(), "exec nope")
	s.handleLine(context.Background(), "exec get id")

	text := out.String()
	for _, want := range []string{"invalid command", "unknown command: exec nope", "invalid param: id"} {
		if !strings.Contains(text, want) {
			t.Fatalf("output missing %q:\n%s", want, text)
		}
	}
}

func TestDescribeToken(t *testing.T) {
	if got := describeToken(state.TokenState{}); got != "<empty>" {
		t.Fatalf("empty = %q", got)
	}
	exp := time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)
	got := describeToken(state.TokenState{Token: "abcdefghijklmnop", Subject: "alice", ExpiresAt: exp})
	if got != "abcdef...mnop sub=alice expires 2030-01-02T03:04:05Z" {
		t.Fatalf("describe = %q", got)
	}
}

func TestBuiltinUsageErrors(t *testing.T) {
	s, out, _ := newTestSession(t, "http://127.0.0.1:1")
	s.handleLine(context.Background(), "set base")
	s.handleLine(context.Background(), "show nothing")
	text := out.String()
	if !strings.Contains(text, "usage: set") || !strings.Contains(text, `cannot show "nothing"`) {
		t.Fatalf("unexpected output:\n%s", text)
	}
}
