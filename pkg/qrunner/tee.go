package qrunner

import (
	"io"
	"sync"

	"github.com/quatton/rvcsync/pkg/qlog"
)

// teeWriter copies every write to each sink in order. A sink that errors is
// dropped for the rest of the run; Write itself never fails, so a broken
// console or a full disk cannot stall or kill the workload.
type teeWriter struct {
	mu    sync.Mutex
	sinks []*teeSink
	log   *qlog.Logger
}

type teeSink struct {
	name   string
	w      io.Writer
	failed bool
}

func newTee(log *qlog.Logger) *teeWriter {
	return &teeWriter{log: log}
}

func (t *teeWriter) add(name string, w io.Writer) {
	if w == nil {
		return
	}
	t.sinks = append(t.sinks, &teeSink{name: name, w: w})
}

func (t *teeWriter) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, s := range t.sinks {
		if s.failed {
			continue
		}
		n, err := s.w.Write(p)
		if err == nil && n < len(p) {
			err = io.ErrShortWrite
		}
		if err != nil {
			s.failed = true
			t.log.Warn("output sink failed, no longer writing to it", "sink", s.name, "error", err)
		}
	}
	return len(p), nil
}

// dropped lists sinks that failed during the run.
func (t *teeWriter) dropped() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []string
	for _, s := range t.sinks {
		if s.failed {
			out = append(out, s.name)
		}
	}
	return out
}
