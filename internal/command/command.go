// Package command parses the text of an inbound chat message into one of
// the relay commands. Each command has a fixed argument shape; anything that
// does not fit its shape is rejected with a *SyntaxError.
package command

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

// Name is a command word without the leading slash.
type Name string

const (
	Start     Name = "start"
	Ping      Name = "ping"
	Index     Name = "index"
	Talkto    Name = "talkto"
	Resp      Name = "resp"
	Onboard   Name = "onboard"
	Deboard   Name = "deboard"
	Onboardme Name = "onboardme"
	Dump      Name = "dump"
)

var (
	// ErrNotCommand is returned for text that does not start with "/".
	ErrNotCommand = errors.New("not a command")
	// ErrUnknownCommand is returned for a command word the relay does not know.
	ErrUnknownCommand = errors.New("unknown command")
	// ErrMalformed is matched by every *SyntaxError.
	ErrMalformed = errors.New("malformed command")
)

// SyntaxError reports a known command whose arguments do not fit its shape.
type SyntaxError struct {
	Command Name
	Reason  string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("/%s: %s (usage: %s)", e.Command, e.Reason, Usage(e.Command))
}

// Is makes errors.Is(err, ErrMalformed) true.
func (e *SyntaxError) Is(target error) bool { return target == ErrMalformed }

// Command is a parsed message. Only the fields of its shape are set.
type Command struct {
	Name     Name
	Circle   string
	Username string
	Secret   string
	Message  string
}

// shape describes the arguments a command takes.
type shape struct {
	tokens []argKind // whitespace separated word arguments, in order
	greedy bool      // remaining text is a required free-text message
	usage  string
}

type argKind int

const (
	argCircle argKind = iota
	argUsername
	argSecret
)

var grammar = map[Name]shape{
	Start:     {usage: "/start"},
	Ping:      {usage: "/ping"},
	Index:     {usage: "/index"},
	Onboardme: {usage: "/onboardme"},
	Dump:      {usage: "/dump"},
	Talkto:    {tokens: []argKind{argCircle}, greedy: true, usage: "/talkto <circle> <message...>"},
	Resp:      {tokens: []argKind{argUsername}, greedy: true, usage: "/resp <username> <message...>"},
	Onboard:   {tokens: []argKind{argUsername, argCircle, argSecret}, usage: "/onboard <username> <circle> <secret>"},
	Deboard:   {tokens: []argKind{argUsername, argSecret}, usage: "/deboard <username> <secret>"},
}

// Usage returns the usage line of a command, or "" for an unknown one.
func Usage(name Name) string {
	return grammar[name].usage
}

// Known reports whether name is a relay command.
func Known(name Name) bool {
	_, ok := grammar[name]
	return ok
}

// Parse turns message text into a Command.
//
// The command word is case-sensitive and may carry a "@botname" suffix,
// which is dropped. Circle and username tokens are letters, digits and
// underscores, optionally prefixed with "@". A free-text message takes the
// rest of the text, line breaks included, and must not be blank.
func Parse(text string) (Command, error) {
	text = strings.TrimLeftFunc(text, unicode.IsSpace)
	if !strings.HasPrefix(text, "/") {
		return Command{}, ErrNotCommand
	}

	word, rest := cutWord(text[1:])
	if at := strings.IndexByte(word, '@'); at >= 0 {
		word = word[:at]
	}
	name := Name(word)
	sh, ok := grammar[name]
	if !ok {
		return Command{}, fmt.Errorf("%w: /%s", ErrUnknownCommand, word)
	}

	cmd := Command{Name: name}
	for i, kind := range sh.tokens {
		var tok string
		tok, rest = cutWord(rest)
		if tok == "" {
			return Command{}, &SyntaxError{Command: name, Reason: fmt.Sprintf("missing argument %d", i+1)}
		}
		if kind != argSecret {
			tok = strings.TrimPrefix(tok, "@")
		}
		if !isWord(tok) {
			return Command{}, &SyntaxError{Command: name, Reason: fmt.Sprintf("invalid argument %q", tok)}
		}
		switch kind {
		case argCircle:
			cmd.Circle = tok
		case argUsername:
			cmd.Username = tok
		case argSecret:
			cmd.Secret = tok
		}
	}

	rest = strings.TrimSpace(rest)
	switch {
	case sh.greedy && rest == "":
		return Command{}, &SyntaxError{Command: name, Reason: "missing message"}
	case sh.greedy:
		cmd.Message = rest
	case rest != "":
		return Command{}, &SyntaxError{Command: name, Reason: "unexpected arguments"}
	}
	return cmd, nil
}

// cutWord splits off the first whitespace-delimited word of s.
func cutWord(s string) (word, rest string) {
	s = strings.TrimLeftFunc(s, unicode.IsSpace)
	end := strings.IndexFunc(s, unicode.IsSpace)
	if end < 0 {
		return s, ""
	}
	return s[:end], s[end:]
}

func isWord(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r != '_' && !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}
