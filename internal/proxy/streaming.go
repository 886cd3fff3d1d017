package proxy

import (
	"bufio"
	"bytes"
	"io"
	"strings"
)

// sseEvent is one parsed Server-Sent Event (event:/data: pair), grounded on
// the dual Anthropic/OpenAI streaming formats: Anthropic sends explicit
// "event: <type>" lines, OpenAI sends bare "data: <json>" lines terminated
// by "data: [DONE]".
type sseEvent struct {
	Event string
	Data  string
}

// streamSSE tees an upstream SSE body to dst in real time (flushing on each
// blank-line event boundary) while parsing it into logical events and
// returning the full accumulated byte stream for usage extraction.
func streamSSE(dst io.Writer, flush func(), src io.Reader) ([]byte, []sseEvent, error) {
	var accumulated bytes.Buffer
	var events []sseEvent

	scanner := bufio.NewScanner(src)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)

	var currentEvent, currentData strings.Builder

	for scanner.Scan() {
		line := scanner.Bytes()
		accumulated.Write(line)
		accumulated.WriteByte('\n')
		if _, err := dst.Write(line); err != nil {
			return accumulated.Bytes(), events, err
		}
		if _, err := dst.Write([]byte("\n")); err != nil {
			return accumulated.Bytes(), events, err
		}

		text := string(line)
		switch {
		case text == "":
			if currentData.Len() > 0 {
				ev := sseEvent{Event: currentEvent.String(), Data: currentData.String()}
				if ev.Event != "ping" {
					events = append(events, ev)
				}
			}
			currentEvent.Reset()
			currentData.Reset()
			if flush != nil {
				flush()
			}
		case strings.HasPrefix(text, "event:"):
			currentEvent.Reset()
			currentEvent.WriteString(strings.TrimSpace(strings.TrimPrefix(text, "event:")))
		case strings.HasPrefix(text, "data:"):
			data := strings.TrimSpace(strings.TrimPrefix(text, "data:"))
			if currentData.Len() > 0 {
				currentData.WriteByte('\n')
			}
			currentData.WriteString(data)
		}
	}

	if err := scanner.Err(); err != nil {
		return accumulated.Bytes(), events, err
	}
	if flush != nil {
		flush()
	}
	return accumulated.Bytes(), events, nil
}

// isSSEResponse reports whether a Content-Type header names an SSE stream.
func isSSEResponse(contentType string) bool {
	return strings.HasPrefix(contentType, "text/event-stream")
}
