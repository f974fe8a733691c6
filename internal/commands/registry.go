// Package commands implements the admin text command interface.
//
// Commands are registered explicitly as a name, a help line and a list of
// sub commands with typed parameters. Dispatch parses a private message,
// converts the arguments and renders the result or error as plain text.
package commands

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/samcm/ts-companion/internal/markup"
)

// Prefix optionally starts a command message.
const Prefix = "!"

// Kind is the type of a parameter.
type Kind int

const (
	// KindString is any single word.
	KindString Kind = iota
	// KindInt is a base 10 integer.
	KindInt
	// KindDuration is a Go duration, a day count like "3d" or plain seconds.
	KindDuration
	// KindUID is a TeamSpeak unique identifier.
	KindUID
	// KindBool accepts yes/no/true/false/1/0.
	KindBool
)

// Param describes one positional argument.
type Param struct {
	Name     string
	Kind     Kind
	Optional bool
}

func (p Param) String() string {
	if p.Optional {
		return "[" + p.Name + "]"
	}

	return "<" + p.Name + ">"
}

// Caller is whoever sent the command.
type Caller struct {
	ClientID int
	UID      string
	Nickname string
	Dialect  markup.Dialect
}

// Args holds converted parameter values by name.
type Args map[string]interface{}

// String returns a string or uid argument.
func (a Args) String(name string) string {
	s, _ := a[name].(string)
	return s
}

// Int returns an integer argument.
func (a Args) Int(name string) int {
	n, _ := a[name].(int)
	return n
}

// Duration returns a duration argument.
func (a Args) Duration(name string) time.Duration {
	d, _ := a[name].(time.Duration)
	return d
}

// Bool returns a boolean argument, false when omitted.
func (a Args) Bool(name string) bool {
	b, _ := a[name].(bool)
	return b
}

// RunFunc executes a sub command.
type RunFunc func(ctx context.Context, caller Caller, args Args) (string, error)

// Sub is a sub command. A Sub with an empty Name runs when no other sub
// command matches.
type Sub struct {
	Name   string
	Help   string
	Params []Param
	Run    RunFunc
}

// Command groups sub commands under a name.
type Command struct {
	Name string
	Help string
	Subs []Sub
}

// Authorizer decides who may run commands.
type Authorizer interface {
	IsAdmin(uid string) bool
}

// ErrDuplicateCommand is returned when a name is registered twice.
var ErrDuplicateCommand = errors.New("command already registered")

// ArgumentError is a parameter that could not be converted.
type ArgumentError struct {
	Param Param
	Value string
}

func (e *ArgumentError) Error() string {
	return fmt.Sprintf("%q is not a valid %s", e.Value, e.Param.Name)
}

// Registry holds the registered commands.
type Registry struct {
	log      logrus.FieldLogger
	auth     Authorizer
	commands map[string]Command
}

// NewRegistry creates an empty registry.
func NewRegistry(log logrus.FieldLogger, auth Authorizer) *Registry {
	return &Registry{
		log:      log.WithField("component", "commands"),
		auth:     auth,
		commands: make(map[string]Command),
	}
}

// Register adds a command.
func (r *Registry) Register(cmd Command) error {
	name := strings.ToLower(cmd.Name)
	if name == "" || name == "help" {
		return fmt.Errorf("invalid command name %q", cmd.Name)
	}

	if _, ok := r.commands[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateCommand, name)
	}

	r.commands[name] = cmd

	return nil
}

// Dispatch runs the command in text on behalf of caller and returns the reply.
func (r *Registry) Dispatch(ctx context.Context, caller Caller, text string) string {
	if caller.Dialect == nil {
		caller.Dialect = markup.Plain{}
	}

	if r.auth != nil && !r.auth.IsAdmin(caller.UID) {
		r.log.WithField("uid", caller.UID).Debug("Rejected command from non-admin")
		return "You are not allowed to use the commands of this bot."
	}

	fields := strings.Fields(strings.TrimPrefix(strings.TrimSpace(text), Prefix))
	if len(fields) == 0 {
		return r.Help(caller.Dialect)
	}

	name := strings.ToLower(fields[0])
	if name == "help" {
		if len(fields) > 1 {
			if cmd, ok := r.commands[strings.ToLower(fields[1])]; ok {
				return commandHelp(caller.Dialect, cmd)
			}
		}

		return r.Help(caller.Dialect)
	}

	cmd, ok := r.commands[name]
	if !ok {
		return fmt.Sprintf("Unknown command %q.\n%s", fields[0], r.Help(caller.Dialect))
	}

	sub, rest, ok := findSub(cmd, fields[1:])
	if !ok {
		return commandHelp(caller.Dialect, cmd)
	}

	args, err := parseArgs(sub.Params, rest)
	if err != nil {
		return fmt.Sprintf("Wrong parameters: %s\n%s", err, subUsage(caller.Dialect, cmd, sub))
	}

	log := r.log.WithFields(logrus.Fields{
		"uid":     caller.UID,
		"command": cmd.Name,
		"sub":     sub.Name,
	})

	reply, err := sub.Run(ctx, caller, args)
	if err != nil {
		log.WithError(err).Info("Command failed")
		return "Error: " + err.Error()
	}

	log.Info("Command executed")

	if reply == "" {
		return "Done."
	}

	return reply
}

func findSub(cmd Command, args []string) (Sub, []string, bool) {
	var fallback *Sub

	for i := range cmd.Subs {
		sub := cmd.Subs[i]

		if sub.Name == "" {
			fallback = &cmd.Subs[i]
			continue
		}

		if len(args) > 0 && strings.EqualFold(sub.Name, args[0]) {
			return sub, args[1:], true
		}
	}

	if fallback != nil {
		return *fallback, args, true
	}

	return Sub{}, nil, false
}

func parseArgs(params []Param, values []string) (Args, error) {
	required := 0

	for _, p := range params {
		if !p.Optional {
			required++
		}
	}

	if len(values) < required {
		return nil, fmt.Errorf("expected %d arguments, got %d", required, len(values))
	}

	if len(values) > len(params) {
		return nil, fmt.Errorf("expected at most %d arguments, got %d", len(params), len(values))
	}

	args := make(Args, len(params))

	for i, p := range params {
		if i >= len(values) {
			break
		}

		v, err := convert(p, values[i])
		if err != nil {
			return nil, err
		}

		args[p.Name] = v
	}

	return args, nil
}

func convert(p Param, raw string) (interface{}, error) {
	switch p.Kind {
	case KindInt:
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, &ArgumentError{Param: p, Value: raw}
		}

		return n, nil
	case KindDuration:
		d, err := ParseDuration(raw)
		if err != nil {
			return nil, &ArgumentError{Param: p, Value: raw}
		}

		return d, nil
	case KindBool:
		switch strings.ToLower(raw) {
		case "yes", "true", "1", "y":
			return true, nil
		case "no", "false", "0", "n":
			return false, nil
		}

		return nil, &ArgumentError{Param: p, Value: raw}
	case KindUID:
		if strings.ContainsAny(raw, " \t") || len(raw) < 4 {
			return nil, &ArgumentError{Param: p, Value: raw}
		}

		return raw, nil
	default:
		return raw, nil
	}
}

// ParseDuration accepts Go durations, whole days ("3d") and plain seconds.
func ParseDuration(s string) (time.Duration, error) {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n < 0 {
			return 0, fmt.Errorf("negative duration %q", s)
		}

		return time.Duration(n) * time.Second, nil
	}

	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.ParseInt(days, 10, 64)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("invalid duration %q", s)
		}

		return time.Duration(n) * 24 * time.Hour, nil
	}

	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}

	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", s)
	}

	return d, nil
}

// FormatDuration renders a duration as days, hours and minutes.
func FormatDuration(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
	}

	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, minutes)
	}

	return fmt.Sprintf("%dm", minutes)
}

// Help lists every registered command.
func (r *Registry) Help(d markup.Dialect) string {
	names := make([]string, 0, len(r.commands))
	for name := range r.commands {
		names = append(names, name)
	}

	sort.Strings(names)

	var b strings.Builder

	b.WriteString("Send commands as: <command> <sub command> <arguments>\n")
	b.WriteString("Available commands:\n")

	for _, name := range names {
		cmd := r.commands[name]
		fmt.Fprintf(&b, "%s - %s\n", d.Bold(cmd.Name), cmd.Help)
	}

	b.WriteString("Use " + d.Italic("help <command>") + " for details.")

	return b.String()
}

func commandHelp(d markup.Dialect, cmd Command) string {
	var b strings.Builder

	fmt.Fprintf(&b, "%s - %s\n", d.Bold(cmd.Name), cmd.Help)

	for _, sub := range cmd.Subs {
		b.WriteString(subUsage(d, cmd, sub))
		b.WriteString("\n")
	}

	return strings.TrimRight(b.String(), "\n")
}

func subUsage(d markup.Dialect, cmd Command, sub Sub) string {
	parts := []string{cmd.Name}

	if sub.Name != "" {
		parts = append(parts, sub.Name)
	}

	for _, p := range sub.Params {
		parts = append(parts, p.String())
	}

	return d.Italic(strings.Join(parts, " ")) + " - " + sub.Help
}
