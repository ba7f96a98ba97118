package stomp

import (
	"bytes"
	"fmt"
	"strings"
)

// STOMP 1.2 commands used by this client.
const (
	cmdConnect     = "CONNECT"
	cmdConnected   = "CONNECTED"
	cmdSubscribe   = "SUBSCRIBE"
	cmdUnsubscribe = "UNSUBSCRIBE"
	cmdSend        = "SEND"
	cmdDisconnect  = "DISCONNECT"
	cmdMessage     = "MESSAGE"
	cmdError       = "ERROR"
)

// Well-known header names.
const (
	hdrAcceptVersion = "accept-version"
	hdrHeartBeat     = "heart-beat"
	hdrHost          = "host"
	hdrDestination   = "destination"
	hdrID            = "id"
	hdrContentLength = "content-length"
	hdrMessage       = "message"
	hdrVersion       = "version"
)

// frame is a decoded STOMP frame. A nil command with no headers marks a
// heartbeat (bare EOL).
type frame struct {
	Command string
	Headers map[string]string
	Body    []byte
}

func (f frame) heartbeat() bool { return f.Command == "" }

// encodeFrame renders a STOMP 1.2 frame: command, headers, blank line, body,
// NUL terminator.
func encodeFrame(f frame) []byte {
	var buf bytes.Buffer
	buf.WriteString(f.Command)
	buf.WriteByte('\n')
	for k, v := range f.Headers {
		buf.WriteString(escapeHeader(k))
		buf.WriteByte(':')
		buf.WriteString(escapeHeader(v))
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
	buf.Write(f.Body)
	buf.WriteByte(0)
	return buf.Bytes()
}

// decodeFrame parses a raw websocket message into a frame. A message that is
// only EOL characters is a heartbeat.
func decodeFrame(raw []byte) (frame, error) {
	raw = bytes.TrimSuffix(raw, []byte{0})
	if len(bytes.Trim(raw, "\r\n")) == 0 {
		return frame{}, nil
	}

	headerEnd := bytes.Index(raw, []byte("\n\n"))
	bodyStart := headerEnd + 2
	if crlf := bytes.Index(raw, []byte("\r\n\r\n")); crlf >= 0 && (headerEnd < 0 || crlf < headerEnd) {
		headerEnd = crlf
		bodyStart = crlf + 4
	}
	if headerEnd < 0 {
		return frame{}, fmt.Errorf("stomp frame missing header terminator")
	}

	lines := strings.Split(string(raw[:headerEnd]), "\n")
	command := strings.TrimRight(lines[0], "\r")
	if command == "" {
		return frame{}, fmt.Errorf("stomp frame missing command")
	}

	headers := make(map[string]string, len(lines)-1)
	for _, line := range lines[1:] {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		idx := strings.IndexByte(line, ':')
		if idx < 0 {
			return frame{}, fmt.Errorf("stomp header missing separator: %q", line)
		}
		key := unescapeHeader(line[:idx])
		// First occurrence wins per the STOMP spec.
		if _, exists := headers[key]; !exists {
			headers[key] = unescapeHeader(line[idx+1:])
		}
	}

	return frame{
		Command: command,
		Headers: headers,
		Body:    append([]byte(nil), raw[bodyStart:]...),
	}, nil
}

var headerEscaper = strings.NewReplacer(
	`\`, `\\`,
	"\r", `\r`,
	"\n", `\n`,
	":", `\c`,
)

func escapeHeader(s string) string {
	return headerEscaper.Replace(s)
}

func unescapeHeader(s string) string {
	if !strings.ContainsRune(s, '\\') {
		return s
	}
	var out strings.Builder
	out.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] != '\\' || i+1 == len(s) {
			out.WriteByte(s[i])
			continue
		}
		i++
		switch s[i] {
		case 'n':
			out.WriteByte('\n')
		case 'r':
			out.WriteByte('\r')
		case 'c':
			out.WriteByte(':')
		case '\\':
			out.WriteByte('\\')
		default:
			// Undefined escape; keep it verbatim rather than failing the frame.
			out.WriteByte('\\')
			out.WriteByte(s[i])
		}
	}
	return out.String()
}
