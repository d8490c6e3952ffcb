package queuesource

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/relex/gotils/logger"
	"github.com/relex/slog-relay/base"
	"github.com/relex/slog-relay/defs"
)

// BuilderName is the name Source is registered under in the builder table
const BuilderName = "queueSource"

// OptionTruncate is the key of the truncate option in BuilderContext.Values
const OptionTruncate = "truncate"

const builderUsage = "usage: " + BuilderName + "(port{," + OptionTruncate + "=false})"

// BuilderContext carries what a source gets from its surrounding pipeline, in addition to its own arguments
//
// Logger is required. Other zero values are replaced by the process-wide defaults in defs.
type BuilderContext struct {
	LogicalName     string
	Values          map[string]string // named options, e.g. OptionTruncate
	Logger          logger.Logger     // parent logger of the source
	QueueSize       int
	MaxCloseSleep   time.Duration
	MaxMessageBytes int
	NewListener     ListenerFactory // NewTCPLineListener if nil
}

// Builder creates an event source from builder arguments
type Builder func(ctx BuilderContext, argv ...string) (base.EventSource, error)

var builders = map[string]Builder{
	BuilderName: func(ctx BuilderContext, argv ...string) (base.EventSource, error) {
		src, err := Build(ctx, argv...)
		if err != nil {
			return nil, err
		}
		return src, nil
	},
}

// LookupBuilder finds a registered Builder by name
func LookupBuilder(name string) (Builder, bool) {
	b, ok := builders[name]
	return b, ok
}

// Build validates builder arguments and creates a Source, in the form of queueSource(port{,truncate=false})
func Build(ctx BuilderContext, argv ...string) (*Source, error) {
	if len(argv) != 1 {
		return nil, fmt.Errorf("%s: expected 1 argument, got %d", builderUsage, len(argv))
	}
	port, err := strconv.Atoi(argv[0])
	if err != nil || port < 0 || port > 65535 {
		return nil, fmt.Errorf("%s: invalid port '%s'", builderUsage, argv[0])
	}
	truncate := false
	if val, ok := ctx.Values[OptionTruncate]; ok {
		truncate, err = strconv.ParseBool(val)
		if err != nil {
			return nil, fmt.Errorf("%s: invalid %s '%s'", builderUsage, OptionTruncate, val)
		}
	}

	config := Config{
		Name:            ctx.LogicalName,
		Port:            port,
		QueueSize:       ctx.QueueSize,
		MaxCloseSleep:   ctx.MaxCloseSleep,
		Truncate:        truncate,
		MaxMessageBytes: ctx.MaxMessageBytes,
	}
	if config.QueueSize == 0 {
		config.QueueSize = defs.SourceDefaultQueueSize
	}
	if config.MaxCloseSleep == 0 {
		config.MaxCloseSleep = defs.SourceMaxCloseSleep
	}
	if config.MaxMessageBytes == 0 {
		config.MaxMessageBytes = defs.InputLogMaxMessageBytes
	}

	newListener := ctx.NewListener
	if newListener == nil {
		newListener = NewTCPLineListener
	}
	return New(ctx.Logger, config, newListener)
}

// ParseInvocation parses a builder invocation like "queueSource(5170, truncate=true)"
//
// Returns the builder name, positional arguments and named options. Positional arguments must precede named ones.
func ParseInvocation(text string) (string, []string, map[string]string, error) {
	text = strings.TrimSpace(text)
	open := strings.IndexByte(text, '(')
	if open <= 0 || !strings.HasSuffix(text, ")") {
		return "", nil, nil, fmt.Errorf("invalid invocation '%s': expected name(args...)", text)
	}
	name := strings.TrimSpace(text[:open])
	argText := strings.TrimSpace(text[open+1 : len(text)-1])

	argv := make([]string, 0, 2)
	values := make(map[string]string)
	if argText == "" {
		return name, argv, values, nil
	}
	for _, part := range strings.Split(argText, ",") {
		part = strings.TrimSpace(part)
		if key, val, found := strings.Cut(part, "="); found {
			values[strings.TrimSpace(key)] = strings.TrimSpace(val)
			continue
		}
		if len(values) > 0 {
			return "", nil, nil, fmt.Errorf("invalid invocation '%s': positional argument '%s' after named ones", text, part)
		}
		argv = append(argv, part)
	}
	return name, argv, values, nil
}
