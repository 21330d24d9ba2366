package dispatch

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/copyleftdev/mercury/internal/chat"
	"github.com/copyleftdev/mercury/internal/config"
	"github.com/copyleftdev/mercury/internal/tasks"
	"github.com/copyleftdev/mercury/internal/taskstypes"
	"github.com/google/shlex"
)

const (
	altPrefix         = "!"
	maxSelectorLength = 512
)

var keyPattern = regexp.MustCompile(`^[a-z][a-z0-9_-]*$`)

// Command is a prefixed chat message split into a name and arguments.
type Command struct {
	Name string
	Args []string
	Raw  string
	// Err is set when the arguments could not be tokenised.
	Err error
}

// Dispatcher turns chat messages into validated tasks. It never touches the
// browser or the chat transport.
type Dispatcher struct {
	registry *tasks.Registry
	prefix   string
	cfg      config.ExecutorConfig
	now      func() time.Time
}

func New(registry *tasks.Registry, prefix string, cfg config.ExecutorConfig) *Dispatcher {
	if prefix == "" {
		prefix = "/"
	}
	return &Dispatcher{
		registry: registry,
		prefix:   prefix,
		cfg:      cfg,
		now:      time.Now,
	}
}

func (d *Dispatcher) Prefix() string {
	return d.prefix
}

// Parse recognises messages that start with the configured prefix (or "!")
// and tokenises them with shell quoting rules.
func (d *Dispatcher) Parse(text string) (Command, bool) {
	text = strings.TrimSpace(text)
	var body string
	switch {
	case strings.HasPrefix(text, d.prefix):
		body = text[len(d.prefix):]
	case strings.HasPrefix(text, altPrefix):
		body = text[len(altPrefix):]
	default:
		return Command{}, false
	}
	if body == "" || unicode.IsSpace(rune(body[0])) {
		return Command{}, false
	}

	name, rest := body, ""
	if i := strings.IndexFunc(body, unicode.IsSpace); i >= 0 {
		name, rest = body[:i], body[i:]
	}
	cmd := Command{Name: strings.ToLower(name), Raw: text}
	args, err := shlex.Split(escapeComments(rest))
	if err != nil {
		cmd.Err = err
		return cmd, true
	}
	cmd.Args = args
	return cmd, true
}

// escapeComments stops shlex from reading a token that starts with '#', such
// as a CSS id selector, as the start of a comment.
func escapeComments(s string) string {
	var b strings.Builder
	var quote rune
	escaped := false
	tokenStart := true
	for _, r := range s {
		switch {
		case escaped:
			escaped = false
		case quote != 0:
			if r == quote {
				quote = 0
			} else if r == '\\' && quote == '"' {
				escaped = true
			}
		case r == '\\':
			escaped = true
		case r == '"' || r == '\'':
			quote = r
		case r == '#' && tokenStart:
			b.WriteRune('\\')
		}
		b.WriteRune(r)
		tokenStart = quote == 0 && !escaped && unicode.IsSpace(r)
	}
	return b.String()
}

// Dispatch validates ev against the registered kind's schema and builds a
// task whose deadline is the kind's configured maximum duration from now.
func (d *Dispatcher) Dispatch(ev chat.Event) (*taskstypes.Task, error) {
	cmd, ok := d.Parse(ev.Text)
	if !ok {
		return nil, &taskstypes.ValidationError{Reason: "not a command"}
	}
	return d.DispatchCommand(cmd, ev)
}

// DispatchCommand is Dispatch for an already parsed command.
func (d *Dispatcher) DispatchCommand(cmd Command, ev chat.Event) (*taskstypes.Task, error) {
	kind, ok := d.registry.Lookup(cmd.Name)
	if !ok {
		return nil, &taskstypes.ValidationError{Command: cmd.Name, Reason: "is not a known command"}
	}
	if cmd.Err != nil {
		return nil, &taskstypes.ValidationError{Command: cmd.Name, Reason: fmt.Sprintf("could not read arguments (%v)", cmd.Err)}
	}

	params, err := bind(kind, cmd.Args)
	if err != nil {
		return nil, err
	}

	now := d.now()
	maxDuration := d.cfg.DeadlineFor(kind.Name, kind.DefaultDeadline)
	return taskstypes.NewTask(kind.Name, params, ev.Origin(), now, maxDuration), nil
}

// Usage returns the call syntax of a registered kind, or "" if unknown.
func (d *Dispatcher) Usage(name string) string {
	kind, ok := d.registry.Lookup(name)
	if !ok {
		return ""
	}
	return kind.Usage(d.prefix)
}

// bind assigns key=value arguments by name and the rest positionally, in
// declaration order, to parameters not yet bound.
func bind(kind tasks.Kind, args []string) (taskstypes.Params, error) {
	params := make(taskstypes.Params, len(kind.Params))
	var positional []string

	for _, arg := range args {
		key, value, hasEq := strings.Cut(arg, "=")
		if !hasEq || !keyPattern.MatchString(key) {
			positional = append(positional, arg)
			continue
		}
		if _, declared := kind.Param(key); !declared {
			if looksLikeValue(arg) {
				positional = append(positional, arg)
				continue
			}
			return nil, &taskstypes.ValidationError{Command: kind.Name, Param: key, Reason: "is not a parameter of this command"}
		}
		if _, dup := params[key]; dup {
			return nil, &taskstypes.ValidationError{Command: kind.Name, Param: key, Reason: "was given more than once"}
		}
		params[key] = value
	}

	next := 0
	for _, value := range positional {
		for next < len(kind.Params) {
			if _, bound := params[kind.Params[next].Name]; !bound {
				break
			}
			next++
		}
		if next >= len(kind.Params) {
			return nil, &taskstypes.ValidationError{Command: kind.Name, Reason: fmt.Sprintf("takes at most %d arguments", len(kind.Params))}
		}
		params[kind.Params[next].Name] = value
		next++
	}

	for _, spec := range kind.Params {
		value, given := params[spec.Name]
		if !given || value == "" {
			if spec.Required {
				return nil, &taskstypes.ValidationError{Command: kind.Name, Param: spec.Name, Reason: "is required"}
			}
			if spec.Default != "" {
				params[spec.Name] = spec.Default
			} else {
				delete(params, spec.Name)
			}
			continue
		}
		normalized, reason := validate(spec.Type, value)
		if reason != "" {
			return nil, &taskstypes.ValidationError{Command: kind.Name, Param: spec.Name, Reason: reason}
		}
		params[spec.Name] = normalized
	}
	return params, nil
}

// looksLikeValue reports whether a key=value token is more plausibly a
// positional value such as a CSS attribute selector or URL fragment.
func looksLikeValue(arg string) bool {
	return strings.ContainsAny(arg, "[]/:#.")
}

// validate checks value against t and returns its normalised form, or a
// reason it was rejected.
func validate(t tasks.ParamType, value string) (string, string) {
	switch t {
	case tasks.ParamURL:
		u, err := url.Parse(value)
		if err != nil || u.Host == "" {
			return "", "must be an absolute http(s) URL"
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return "", "must use http or https"
		}
		return u.String(), ""
	case tasks.ParamInt:
		n, err := strconv.Atoi(value)
		if err != nil {
			return "", "must be a whole number"
		}
		if n < 0 {
			return "", "cannot be negative"
		}
		return strconv.Itoa(n), ""
	case tasks.ParamDuration:
		dur, err := time.ParseDuration(value)
		if err != nil {
			return "", "must be a duration such as 30s or 2m"
		}
		if dur <= 0 {
			return "", "must be positive"
		}
		return dur.String(), ""
	case tasks.ParamSelector:
		if len(value) > maxSelectorLength {
			return "", fmt.Sprintf("is longer than %d characters", maxSelectorLength)
		}
		if strings.ContainsAny(value, "\n\r") {
			return "", "cannot span lines"
		}
		return value, ""
	default:
		return value, ""
	}
}
