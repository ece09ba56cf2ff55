package generator

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"log/slog"
	"unicode/utf8"
)

// frameLines reads r and calls emit once per complete, terminator-ended
// line, with the terminator (and a preceding \r) stripped. A partial line
// at EOF is discarded: a line without a terminator never produces a frame.
// Lines that are not valid UTF-8 are dropped and framing resumes at the
// next terminator. When emit returns an error, reading stops; emit blocking
// is what exerts backpressure on the child process.
func frameLines(r io.Reader, emit func(line []byte) error, logger *slog.Logger) error {
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadBytes('\n')
		if err != nil {
			if len(line) > 0 {
				logger.Debug("discarding partial line at stream end", "bytes", len(line))
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		line = bytes.TrimSuffix(line, []byte("\n"))
		line = bytes.TrimSuffix(line, []byte("\r"))

		if !utf8.Valid(line) {
			logger.Warn("dropping malformed line", "bytes", len(line))
			continue
		}

		if err := emit(line); err != nil {
			return err
		}
	}
}
