package serialmux

import (
	"context"
	"strings"
)

// ControllerError is a fault reported by the servo controller.
type ControllerError struct {
	Message string
}

func (e *ControllerError) Error() string {
	return "servo controller: " + e.Message
}

// HandleReply inspects a controller line and returns a *ControllerError for
// fault replies. Other replies return nil.
func HandleReply(line string) error {
	if ClassifyReply(line) != ReplyError {
		return nil
	}
	msg := strings.TrimSpace(line)
	if len(msg) > 3 {
		msg = strings.TrimSpace(msg[3:])
	}
	if msg == "" {
		msg = "unspecified error"
	}
	return &ControllerError{Message: msg}
}

// WatchReplies subscribes to mux and logs controller faults and unexpected
// resets until ctx is done or the mux is closed.
func WatchReplies(ctx context.Context, mux SerialMuxInterface, logf func(string, ...interface{})) {
	id, lines := mux.Subscribe()
	defer mux.Unsubscribe(id)

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if err := HandleReply(line); err != nil {
				logf("%v", err)
				continue
			}
			switch ClassifyReply(line) {
			case ReplyReady:
				logf("controller reported ready: %s", line)
			case ReplyUnknown:
				logf("unrecognised controller line: %q", line)
			}
		}
	}
}
