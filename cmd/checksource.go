package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/relex/gotils/logger"
	"github.com/relex/slog-relay/input/queuesource"
)

type checkSourceCommandState struct {
	QueueSize int `help:"Queue size to validate along with the invocation"`
}

var checkSourceCmd checkSourceCommandState

func (cmd *checkSourceCommandState) run(args []string) {
	if len(args) == 0 {
		logger.Fatal("missing invocation")
	}
	invocation := strings.Join(args, " ")

	name, argv, values, err := queuesource.ParseInvocation(invocation)
	if err != nil {
		logger.Fatal(err)
	}
	builder, ok := queuesource.LookupBuilder(name)
	if !ok {
		logger.Fatalf("unknown source '%s'", name)
	}
	// sources only listen after being opened
	src, err := builder(queuesource.BuilderContext{
		LogicalName: "check",
		Values:      values,
		Logger:      logger.Root(),
		QueueSize:   cmd.QueueSize,
	}, argv...)
	if err != nil {
		logger.Fatal(err)
	}
	fmt.Fprintln(os.Stdout, src.Report().String())
}
