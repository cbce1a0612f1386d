package repl

import (
	"errors"
	"fmt"
	"time"

	"execbox/internal/cli/state"

	"github.com/chzyer/readline"
)

type builtin struct {
	run  func(args []string) error
	subs []string
}

func (b builtin) complete(name string) readline.PrefixCompleterInterface {
	children := make([]readline.PrefixCompleterInterface, 0, len(b.subs))
	for _, sub := range b.subs {
		children = append(children, readline.PcItem(sub))
	}
	return readline.PcItem(name, children...)
}

func (s *Session) builtinTable() map[string]builtin {
	quit := builtin{run: func([]string) error {
		s.printLine("bye")
		return errQuit
	}}
	return map[string]builtin{
		"exit": quit,
		"quit": quit,
		"help": {run: func([]string) error { s.printHelp(); return nil }},
		"set":  {run: s.set, subs: []string{"base", "timeout", "token"}},
		"show": {run: s.show, subs: []string{"token", "config"}},
	}
}

func (s *Session) set(args []string) error {
	if len(args) != 2 {
		return errors.New("usage: set base <url> | set timeout <duration> | set token <token>|clear")
	}
	what, value := args[0], args[1]
	switch what {
	case "base":
		s.client.SetBaseURL(value)
		s.printLine("base set to %s", s.client.BaseURL())
	case "timeout":
		d, err := time.ParseDuration(value)
		if err != nil || d <= 0 {
			return fmt.Errorf("invalid duration: %s", value)
		}
		s.client.SetTimeout(d)
		s.printLine("timeout set to %s", d)
	case "token":
		return s.setToken(value)
	default:
		return fmt.Errorf("cannot set %q", what)
	}
	return nil
}

func (s *Session) setToken(value string) error {
	if value == "clear" {
		*s.tokens = state.TokenState{}
		if err := state.Clear(s.statePath); err != nil {
			return err
		}
		s.printLine("token cleared")
		return nil
	}
	s.tokens.SetToken(value)
	if err := state.Save(s.statePath, *s.tokens); err != nil {
		return err
	}
	if s.tokens.Expired(time.Now()) {
		s.printLine("token updated, but it expired at %s", s.tokens.ExpiresAt.Format(time.RFC3339))
		return nil
	}
	s.printLine("token updated")
	return nil
}

func (s *Session) show(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: show token|config")
	}
	switch args[0] {
	case "token":
		s.printLine("token: %s", describeToken(*s.tokens))
	case "config":
		s.printLine("base: %s", s.client.BaseURL())
		s.printLine("timeout: %s", s.client.Timeout())
		s.printLine("tokenStatePath: %s", s.statePath)
		s.printLine("historyPath: %s", s.historyPath)
	default:
		return fmt.Errorf("cannot show %q", args[0])
	}
	return nil
}

// describeToken masks the middle of long tokens.
func describeToken(t state.TokenState) string {
	if t.Token == "" {
		return "<empty>"
	}
	out := t.Token
	if len(out) > 12 {
		out = out[:6] + "..." + out[len(out)-4:]
	}
	if t.Subject != "" {
		out += " sub=" + t.Subject
	}
	if !t.ExpiresAt.IsZero() {
		out += " expires " + t.ExpiresAt.Format(time.RFC3339)
	}
	return out
}

func (s *Session) printHelp() {
	for _, line := range []string{
		"usage: <service> <action> key=value ...",
		"builtins: help | exit | set base|timeout|token <value> | show token|config",
		"examples:",
		"  exec languages",
		`  exec run language=python file=./main.py stdin="1 2" timeout_ms=2000`,
		"  exec run language=bash code='echo hi' tests_file=./cases.json",
		"  exec submit language=javascript url=https://example.com/main.js",
		"  exec get id=<execution_id>",
		"  exec list language=python status=timeout page=1",
	} {
		s.printLine("%s", line)
	}
}
