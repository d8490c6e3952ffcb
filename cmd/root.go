package cmd

import (
	"io"
	"os"
	"runtime"
	"runtime/pprof"
	"runtime/trace"

	"github.com/relex/gotils/logger"
)

type rootCommandState struct {
	CPUProfile string `name:"cpuprofile" help:"Write CPU profile to file."`
	MemProfile string `name:"memprofile" help:"Write heap profile to file on exit."`
	Trace      string `help:"Write execution trace to file."`

	sessions []*profileSession
}

// profileSession is an output file receiving one kind of profiling data
type profileSession struct {
	kind string
	file *os.File
	stop func(w io.Writer) error
}

var rootCmd rootCommandState

func (cmd *rootCommandState) preRun() {
	cmd.startSession("CPU profile", cmd.CPUProfile,
		pprof.StartCPUProfile,
		func(io.Writer) error {
			pprof.StopCPUProfile()
			return nil
		})
	cmd.startSession("heap profile", cmd.MemProfile,
		nil,
		func(w io.Writer) error {
			runtime.GC()
			return pprof.WriteHeapProfile(w)
		})
	cmd.startSession("trace", cmd.Trace,
		trace.Start,
		func(io.Writer) error {
			trace.Stop()
			return nil
		})
}

func (cmd *rootCommandState) postRun() {
	// reverse order of start
	for i := len(cmd.sessions) - 1; i >= 0; i-- {
		s := cmd.sessions[i]
		if err := s.stop(s.file); err != nil {
			logger.Errorf("failed to write %s: %s", s.kind, err.Error())
		}
		if err := s.file.Close(); err != nil {
			logger.Errorf("failed to close %s %s: %s", s.kind, s.file.Name(), err.Error())
		}
	}
	cmd.sessions = nil
}

// startSession creates the output file and starts profiling if path is set
//
// start can be nil if the data is only collected when stopping
func (cmd *rootCommandState) startSession(kind string, path string, start func(w io.Writer) error, stop func(w io.Writer) error) {
	if path == "" {
		return
	}
	f, err := os.Create(path)
	if err != nil {
		logger.Fatalf("failed to create %s %s: %s", kind, path, err.Error())
	}
	if start != nil {
		if err := start(f); err != nil {
			logger.Fatalf("failed to start %s: %s", kind, err.Error())
		}
	}
	logger.Infof("start %s %s", kind, path)
	cmd.sessions = append(cmd.sessions, &profileSession{kind: kind, file: f, stop: stop})
}
