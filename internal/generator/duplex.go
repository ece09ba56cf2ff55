package generator

import (
	"io"
	"log/slog"

	"github.com/mattjoyce/weir/internal/frame"
)

// runDuplex forwards <topic>.send payloads to the process's stdin for the
// duration of one spawn. The subscription is tail-only and created before
// the start frame is appended: a send observed after start is never
// missed, and sends appended while no process is running are dropped
// rather than delivered stale to a later spawn with a different
// source_id. Payload bytes are written verbatim; no terminator is added.
func (s *Supervisor) runDuplex(ch <-chan frame.Frame, stdin io.WriteCloser, logger *slog.Logger) {
	defer func() { _ = stdin.Close() }()

	for f := range ch {
		payload, err := s.log.Payload(f)
		if err != nil {
			logger.Warn("send frame payload unreadable", "frame_id", f.ID, "error", err)
			continue
		}
		if len(payload) == 0 {
			continue
		}
		if _, err := stdin.Write(payload); err != nil {
			// Broken pipe is not fatal here; process exit is observed by
			// the supervisor's wait.
			logger.Warn("write to generator stdin failed", "frame_id", f.ID, "error", err)
			return
		}
	}
}
