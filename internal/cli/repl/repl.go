package repl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"strings"

	"execbox/internal/cli/command"
	httpclient "execbox/internal/cli/http"
	"execbox/internal/cli/state"

	"github.com/chzyer/readline"
	"github.com/google/shlex"
)

const prompt = "execbox> "

type lineReader interface {
	Readline() (string, error)
	SetPrompt(p string)
}

// errQuit ends Run without an error.
var errQuit = errors.New("quit")

type Session struct {
	client      *httpclient.Client
	commands    map[string]command.Command
	tokens      *state.TokenState
	statePath   string
	historyPath string
	prettyJSON  bool
	builtins    map[string]builtin

	in  lineReader
	out io.Writer
}

func New(client *httpclient.Client, commands map[string]command.Command, tokens *state.TokenState, statePath, historyPath string, prettyJSON bool) *Session {
	s := &Session{
		client:      client,
		commands:    commands,
		tokens:      tokens,
		statePath:   statePath,
		historyPath: historyPath,
		prettyJSON:  prettyJSON,
		out:         os.Stdout,
	}
	s.builtins = s.builtinTable()
	return s
}

// Run reads lines until exit, EOF, Ctrl-C on an empty line, or ctx ends.
func (s *Session) Run(ctx context.Context) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          prompt,
		HistoryFile:     s.historyPath,
		AutoComplete:    s.completer(),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("readline: %w", err)
	}
	defer rl.Close()
	s.in, s.out = rl, rl.Stdout()

	for ctx.Err() == nil {
		line, err := rl.Readline()
		switch {
		case errors.Is(err, readline.ErrInterrupt):
			if line == "" {
				return nil
			}
			continue
		case errors.Is(err, io.EOF):
			return nil
		case err != nil:
			return err
		}
		if s.handleLine(ctx, line) {
			return nil
		}
	}
	return nil
}

// handleLine executes one line and reports whether the session is over.
func (s *Session) handleLine(ctx context.Context, line string) bool {
	words, err := shlex.Split(line)
	if err != nil {
		s.printLine("error: %v", err)
		return false
	}
	if len(words) == 0 {
		return false
	}
	if b, ok := s.builtins[words[0]]; ok {
		err = b.run(words[1:])
	} else {
		err = s.execute(ctx, words)
	}
	switch {
	case errors.Is(err, errQuit):
		return true
	case err != nil:
		s.printLine("error: %v", err)
	}
	return false
}

// execute sends `<service> <action> key=value ...` to the API.
func (s *Session) execute(ctx context.Context, words []string) error {
	if len(words) < 2 {
		return errors.New("invalid command, use: <service> <action> key=value ...")
	}
	cmd, ok := s.commands[words[0]+" "+words[1]]
	if !ok {
		return fmt.Errorf("unknown command: %s %s", words[0], words[1])
	}

	params := command.Params{}
	for _, kv := range words[2:] {
		key, value, ok := strings.Cut(kv, "=")
		if !ok {
			return fmt.Errorf("invalid param: %s", kv)
		}
		params.Set(key, value)
	}
	params.Normalize(cmd.Fields)
	if err := s.askRequired(cmd, params); err != nil {
		return err
	}

	req, err := command.BuildRequest(cmd, params)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(ctx, req.Method, req.Path, req.Headers, req.Body)
	if err != nil {
		return err
	}
	s.render(resp)
	return nil
}

// askRequired prompts for required fields left empty on the command line.
func (s *Session) askRequired(cmd command.Command, params command.Params) error {
	for _, f := range cmd.Fields {
		if !f.Required || params.Get(f.Name) != "" {
			continue
		}
		if s.in == nil {
			return fmt.Errorf("%s is required", f.Prompt)
		}
		s.in.SetPrompt(f.Prompt + ": ")
		line, err := s.in.Readline()
		s.in.SetPrompt(prompt)
		if err != nil {
			return fmt.Errorf("%s: %w", f.Prompt, err)
		}
		params.Set(f.Name, strings.TrimSpace(line))
	}
	return nil
}

func (s *Session) render(resp httpclient.ResponseInfo) {
	status := fmt.Sprintf("HTTP %d (%s)", resp.StatusCode, resp.Duration)
	if resp.TraceID != "" {
		status += " trace=" + resp.TraceID
	}
	if resp.Truncated {
		status += " [truncated]"
	}
	s.printLine("%s", status)
	if len(resp.Body) == 0 {
		return
	}
	body := resp.Body
	if s.prettyJSON {
		var v any
		if json.Unmarshal(body, &v) == nil {
			if indented, err := json.MarshalIndent(v, "", "  "); err == nil {
				body = indented
			}
		}
	}
	s.printLine("%s", body)
}

func (s *Session) completer() *readline.PrefixCompleter {
	actions := map[string][]readline.PrefixCompleterInterface{}
	for _, cmd := range s.commands {
		actions[cmd.Service] = append(actions[cmd.Service], readline.PcItem(cmd.Action))
	}
	var items []readline.PrefixCompleterInterface
	for _, name := range slices.Sorted(maps.Keys(s.builtins)) {
		items = append(items, s.builtins[name].complete(name))
	}
	for _, svc := range slices.Sorted(maps.Keys(actions)) {
		items = append(items, readline.PcItem(svc, actions[svc]...))
	}
	return readline.NewPrefixCompleter(items...)
}

func (s *Session) printLine(format string, args ...any) {
	fmt.Fprintf(s.out, format+"\n", args...)
}
