// Package protocol defines the line-delimited JSON protocol spoken with the
// chat worker over stdio.
//
// Gateway → worker: one JSON object per line, {"request_id": "...", "message": "..."}.
// Worker → gateway: free-text status lines, or one JSON object per reply.
// A reply that echoes "request_id" is routed to that call; any other reply
// is routed to the oldest outstanding call. Reply bodies are otherwise
// opaque: a field such as "id" belongs to the worker, not to the protocol.
package protocol

import (
	"bytes"
	"encoding/json"
)

// Request is one outbound chat call written to the worker's stdin.
type Request struct {
	ID      string `json:"request_id,omitempty"`
	Message string `json:"message"`
}

// EncodeRequest marshals r as a single line terminated by '\n'.
// encoding/json escapes embedded newlines, so the output is always one line.
func EncodeRequest(r Request) ([]byte, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

// Reply is a JSON object line emitted by the worker.
type Reply struct {
	// ID is the echoed request ID, empty when the worker did not echo one.
	ID string
	// Body is the full line as emitted, handed to the client verbatim.
	// Nil when Truncated.
	Body json.RawMessage
	// Truncated marks a reply line that exceeded the read limit and was
	// discarded. Only its leading bytes were seen.
	Truncated bool
}

// correlationKey is the reply field echoed back by id-aware workers.
const correlationKey = "request_id"

// maxIDLen bounds the request ID recovered from a truncated line.
const maxIDLen = 64

// replyProbe extracts only the correlation field from a reply line.
type replyProbe struct {
	ID json.RawMessage `json:"request_id"`
}

// ParseLine classifies one worker stdout line. It reports ok=false for
// status lines: anything that is not a well-formed JSON object.
// The returned Body does not alias line.
func ParseLine(line []byte) (Reply, bool) {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Reply{}, false
	}

	var probe replyProbe
	if err := json.Unmarshal(trimmed, &probe); err != nil {
		return Reply{}, false
	}

	var id string
	if len(probe.ID) > 0 {
		// Non-string ids are treated as absent.
		_ = json.Unmarshal(probe.ID, &id)
	}

	body := make(json.RawMessage, len(trimmed))
	copy(body, trimmed)
	return Reply{ID: id, Body: body}, true
}

// ParseTruncated classifies the leading bytes of a line that was too long
// to read whole. A prefix that opens a JSON object is reported as a
// truncated reply, with its request ID when one appears in the prefix.
func ParseTruncated(prefix []byte) (Reply, bool) {
	trimmed := bytes.TrimLeft(prefix, " \t\r")
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Reply{}, false
	}
	return Reply{ID: scanRequestID(trimmed), Truncated: true}, true
}

// scanRequestID finds "request_id": "<value>" in a partial JSON object.
func scanRequestID(b []byte) string {
	key := []byte(`"` + correlationKey + `"`)
	i := bytes.Index(b, key)
	if i < 0 {
		return ""
	}
	rest := bytes.TrimLeft(b[i+len(key):], " \t")
	if len(rest) == 0 || rest[0] != ':' {
		return ""
	}
	rest = bytes.TrimLeft(rest[1:], " \t")
	if len(rest) == 0 || rest[0] != '"' {
		return ""
	}
	rest = rest[1:]
	end := bytes.IndexByte(rest, '"')
	if end < 0 || end > maxIDLen {
		return ""
	}
	return string(rest[:end])
}

// IsReady reports whether line carries the readiness sentinel.
func IsReady(line []byte, sentinel string) bool {
	if sentinel == "" {
		return false
	}
	return bytes.Contains(line, []byte(sentinel))
}

// ErrorBody is the JSON error body returned to HTTP clients.
type ErrorBody struct {
	Error string `json:"error"`
}

// ChatRequest is the JSON body accepted by POST /chat.
type ChatRequest struct {
	Message string `json:"message"`
}
