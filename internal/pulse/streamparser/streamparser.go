// Package streamparser incrementally decodes the session runner's
// line-delimited JSON output into a structured result.
//
// Each line may be an event or noise (status text, terminal escape
// sequences). Non-JSON lines are skipped silently; unknown event variants and
// fields are ignored forward-compatibly.
package streamparser

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"
	"sync"
)

// Event categories emitted by the runner.
const (
	EventTypeSystem    = "system"
	EventTypeAssistant = "assistant"
	EventTypeUser      = "user"
	EventTypeResult    = "result"

	SubtypeInit = "init"
)

// maxLineSize bounds a single stream line (large tool results).
const maxLineSize = 10 * 1024 * 1024

// Event is one decoded line of runner output. The type determines which
// fields are populated.
type Event struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype,omitempty"`

	// For system/init events
	SessionID string `json:"session_id,omitempty"`

	// For assistant and user events
	Message *Message `json:"message,omitempty"`

	// For result events. Result is a string error message or an object.
	IsError bool            `json:"is_error,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Message carries the content blocks of an assistant or user event.
type Message struct {
	Role    string         `json:"role,omitempty"`
	Content []ContentBlock `json:"content,omitempty"`
}

// ContentBlock is one element of a message's content array.
type ContentBlock struct {
	Type string `json:"type"`

	// For tool_use blocks
	ID   string `json:"id,omitempty"`
	Name string `json:"name,omitempty"`

	// For tool_result blocks
	ToolUseID string `json:"tool_use_id,omitempty"`
}

// ToolUseInfo records one tool invocation seen in the stream.
type ToolUseInfo struct {
	ID   string
	Name string
}

// ToolResultInfo records one tool result seen in the stream.
type ToolResultInfo struct {
	ToolUseID string
}

// Result aggregates everything extracted from a runner stream.
type Result struct {
	SessionID    string
	IsError      bool
	ErrorMessage string
	ToolCalls    []ToolUseInfo
	ToolResults  []ToolResultInfo
	Events       []Event
}

// ToolCallCount returns the number of tool invocations observed.
func (r *Result) ToolCallCount() int {
	return len(r.ToolCalls)
}

// Parser consumes runner output line by line. It is safe for a reader
// goroutine to feed lines while another inspects SessionID; the session id
// must be visible as soon as the init event is seen, even if the stream
// later errors out.
type Parser struct {
	mu     sync.Mutex
	result Result
}

// New creates an empty Parser.
func New() *Parser {
	return &Parser{}
}

// ParseLine decodes a single line of output. Malformed or non-JSON lines are
// skipped.
func (p *Parser) ParseLine(line string) {
	// Tolerate terminal escape prefixes: the JSON payload starts at the
	// first brace.
	start := strings.IndexByte(line, '{')
	if start < 0 {
		return
	}

	var event Event
	if err := json.Unmarshal([]byte(line[start:]), &event); err != nil {
		return
	}
	if event.Type == "" {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.result.Events = append(p.result.Events, event)

	switch event.Type {
	case EventTypeSystem:
		if event.Subtype == SubtypeInit && event.SessionID != "" {
			p.result.SessionID = event.SessionID
		}
	case EventTypeAssistant:
		if event.Message != nil {
			for _, block := range event.Message.Content {
				if block.Type == "tool_use" {
					p.result.ToolCalls = append(p.result.ToolCalls, ToolUseInfo{ID: block.ID, Name: block.Name})
				}
			}
		}
	case EventTypeUser:
		if event.Message != nil {
			for _, block := range event.Message.Content {
				if block.Type == "tool_result" {
					p.result.ToolResults = append(p.result.ToolResults, ToolResultInfo{ToolUseID: block.ToolUseID})
				}
			}
		}
	case EventTypeResult:
		if event.SessionID != "" && p.result.SessionID == "" {
			p.result.SessionID = event.SessionID
		}
		if event.IsError {
			p.result.IsError = true
			p.result.ErrorMessage = resultErrorMessage(&event)
		}
	}
}

// resultErrorMessage extracts the error text from a result event. The runner
// puts it in "result" (as a bare string) or "error".
func resultErrorMessage(event *Event) string {
	if len(event.Result) > 0 {
		var text string
		if err := json.Unmarshal(event.Result, &text); err == nil && text != "" {
			return text
		}
	}
	if event.Error != "" {
		return event.Error
	}
	return "runner reported an error"
}

// ParseStream consumes an entire reader line by line.
func (p *Parser) ParseStream(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		p.ParseLine(scanner.Text())
	}
	return scanner.Err()
}

// SessionID returns the session id recorded so far, possibly before the
// stream has finished.
func (p *Parser) SessionID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.result.SessionID
}

// Result returns a snapshot of everything parsed so far.
func (p *Parser) Result() Result {
	p.mu.Lock()
	defer p.mu.Unlock()

	snapshot := p.result
	snapshot.ToolCalls = append([]ToolUseInfo(nil), p.result.ToolCalls...)
	snapshot.ToolResults = append([]ToolResultInfo(nil), p.result.ToolResults...)
	snapshot.Events = append([]Event(nil), p.result.Events...)
	return snapshot
}
