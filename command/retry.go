package command

import (
	"strings"

	"remote-ctrl/message"
)

// RetryReads reports whether a failed request may be run again: only
// read-kind commands of reg qualify, and only when the handler itself failed.
// Argument errors are not retried since they would fail the same way.
func RetryReads[D any](reg *Registry[D]) func(req, reply *message.Packet) bool {
	return func(req, reply *message.Packet) bool {
		if !reply.IsFailure() || !strings.HasPrefix(reply.Error(), ExecFailedMsg) {
			return false
		}
		entry, ok := reg.Lookup(req.Op)
		return ok && entry.Kind == KindRead
	}
}
