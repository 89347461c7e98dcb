package dockerbuild

import (
	"strings"

	"go.uber.org/zap"
)

// lineSink is an io.Writer that splits writes into lines, forwarding each
// to the logger and retaining them for the caller.
type lineSink struct {
	log     *zap.Logger
	partial strings.Builder
	lines   []string
}

func (s *lineSink) Write(p []byte) (int, error) {
	for _, b := range p {
		if b == '\n' {
			s.emit()
			continue
		}
		s.partial.WriteByte(b)
	}
	return len(p), nil
}

func (s *lineSink) emit() {
	line := strings.TrimRight(s.partial.String(), "\r")
	s.partial.Reset()
	if line == "" {
		return
	}
	s.lines = append(s.lines, line)
	s.log.Info(line)
}

// flush emits any trailing partial line and returns everything captured.
func (s *lineSink) flush() []string {
	if s.partial.Len() > 0 {
		s.emit()
	}
	return s.lines
}
