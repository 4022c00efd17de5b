package serialmux

import "strings"

// Reply types emitted by the servo controller.
const (
	ReplyOK      = "ok"
	ReplyError   = "error"
	ReplyReady   = "ready"
	ReplyPong    = "pong"
	ReplyUnknown = "unknown"
)

// ClassifyReply returns the reply type of a controller line.
func ClassifyReply(line string) string {
	line = strings.TrimSpace(line)
	upper := strings.ToUpper(line)
	switch {
	case upper == "OK" || strings.HasPrefix(upper, "OK "):
		return ReplyOK
	case strings.HasPrefix(upper, "ERR"):
		return ReplyError
	case strings.HasPrefix(upper, "READY"):
		return ReplyReady
	case upper == "PONG":
		return ReplyPong
	default:
		return ReplyUnknown
	}
}
