package claude

import (
	"encoding/json"
	"log/slog"
	"strings"
)

// EventType discriminates parsed subprocess events.
type EventType string

const (
	EventText       EventType = "text"        // incremental assistant text delta
	EventToolUse    EventType = "tool_use"    // assistant invoking a tool
	EventUsage      EventType = "usage"       // token usage update mid-turn
	EventTurnResult EventType = "turn_result" // final result for the turn
)

// Usage is the token usage breakdown reported by the subprocess.
type Usage struct {
	InputTokens              int `json:"input_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
	OutputTokens             int `json:"output_tokens"`
}

// TurnResult carries the subprocess's final accounting for one turn.
type TurnResult struct {
	IsError         bool
	ErrorText       string
	NativeSessionID string
	CostUSD         float64
	Usage           Usage
	DurationMs      int
	NumTurns        int
}

// Event is one parsed subprocess event.
type Event struct {
	Type      EventType
	Text      string      // for EventText
	ToolName  string      // for EventToolUse
	ToolInput string      // for EventToolUse, brief human-readable input
	Usage     *Usage      // for EventUsage
	Result    *TurnResult // for EventTurnResult
}

// streamMessage is one JSON line from the subprocess in stream-json mode.
type streamMessage struct {
	Type    string `json:"type"` // "system", "assistant", "user", "result", "stream_event"
	Subtype string `json:"subtype"`
	Message struct {
		Content []struct {
			Type  string          `json:"type"` // "text", "tool_use", "tool_result"
			Text  string          `json:"text,omitempty"`
			Name  string          `json:"name,omitempty"`
			Input json.RawMessage `json:"input,omitempty"`
		} `json:"content"`
	} `json:"message"`
	Event        *streamEvent `json:"event,omitempty"`
	Result       string       `json:"result,omitempty"`
	Error        string       `json:"error,omitempty"`
	IsError      bool         `json:"is_error,omitempty"`
	SessionID    string       `json:"session_id,omitempty"`
	DurationMs   int          `json:"duration_ms,omitempty"`
	NumTurns     int          `json:"num_turns,omitempty"`
	TotalCostUSD float64      `json:"total_cost_usd,omitempty"`
	Usage        *Usage       `json:"usage,omitempty"`
}

// streamEvent is the payload of stream_event messages, sent when
// --include-partial-messages is enabled.
type streamEvent struct {
	Type    string `json:"type"` // "message_start", "content_block_delta", "message_delta", ...
	Message *struct {
		Usage *Usage `json:"usage,omitempty"`
	} `json:"message,omitempty"`
	Delta *struct {
		Type string `json:"type,omitempty"` // "text_delta", "input_json_delta"
		Text string `json:"text,omitempty"`
	} `json:"delta,omitempty"`
	Usage *Usage `json:"usage,omitempty"` // present in message_delta
}

// parseStreamLine parses one line of subprocess output into zero or more
// events. Non-JSON lines and malformed JSON are logged and skipped; the
// reader loop never fails on bad input.
//
// Assistant text content is delivered via stream_event deltas (the process
// runs with --include-partial-messages), so text in "assistant" messages is
// skipped to avoid duplication.
func parseStreamLine(line string, log *slog.Logger) []Event {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}

	if !strings.HasPrefix(line, "{") {
		log.Debug("skipping non-JSON output line", "line", truncateForLog(line))
		return nil
	}

	var msg streamMessage
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		log.Warn("failed to parse stream message", "error", err, "line", truncateForLog(line))
		return nil
	}
	if msg.Type == "" {
		log.Warn("unrecognized JSON message shape", "line", truncateForLog(line))
		return nil
	}

	var events []Event

	switch msg.Type {
	case "system":
		if msg.Subtype == "init" {
			log.Debug("subprocess session initialized", "nativeSessionID", msg.SessionID)
		}

	case "stream_event":
		if msg.Event != nil {
			events = append(events, parseStreamEvent(msg.Event)...)
		}

	case "assistant":
		for _, content := range msg.Message.Content {
			if content.Type != "tool_use" {
				continue
			}
			input := extractToolInputDescription(content.Name, content.Input)
			events = append(events, Event{
				Type:      EventToolUse,
				ToolName:  content.Name,
				ToolInput: input,
			})
			log.Debug("tool use", "tool", content.Name, "input", input)
		}

	case "user":
		// Tool results echoed back by the subprocess; nothing to surface.

	case "result":
		result := &TurnResult{
			IsError:         msg.IsError || (msg.Subtype != "" && msg.Subtype != "success"),
			NativeSessionID: msg.SessionID,
			CostUSD:         msg.TotalCostUSD,
			DurationMs:      msg.DurationMs,
			NumTurns:        msg.NumTurns,
		}
		if msg.Usage != nil {
			result.Usage = *msg.Usage
		}
		if result.IsError {
			result.ErrorText = msg.Error
			if result.ErrorText == "" {
				result.ErrorText = msg.Result
			}
		}
		events = append(events, Event{Type: EventTurnResult, Result: result})
		log.Debug("turn result", "subtype", msg.Subtype, "cost", msg.TotalCostUSD)

	default:
		log.Debug("ignoring unrecognized message type", "type", msg.Type)
	}

	return events
}

// parseStreamEvent extracts events from partial-message stream updates.
func parseStreamEvent(event *streamEvent) []Event {
	var events []Event

	switch event.Type {
	case "message_start":
		if event.Message != nil && event.Message.Usage != nil {
			events = append(events, Event{Type: EventUsage, Usage: event.Message.Usage})
		}

	case "content_block_delta":
		if event.Delta != nil && event.Delta.Type == "text_delta" && event.Delta.Text != "" {
			events = append(events, Event{Type: EventText, Text: event.Delta.Text})
		}

	case "message_delta":
		if event.Usage != nil {
			events = append(events, Event{Type: EventUsage, Usage: event.Usage})
		}
	}

	return events
}

// toolInputConfig defines how to extract a description from a tool's input.
type toolInputConfig struct {
	Field       string // JSON field to extract
	ShortenPath bool   // shorten file paths to the final component
	MaxLen      int    // maximum length before truncation (0 = no limit)
}

// toolInputConfigs maps tool names to their input extraction configuration.
var toolInputConfigs = map[string]toolInputConfig{
	"Read":  {Field: "file_path", ShortenPath: true},
	"Edit":  {Field: "file_path", ShortenPath: true},
	"Write": {Field: "file_path", ShortenPath: true},

	"Glob":      {Field: "pattern"},
	"Grep":      {Field: "pattern", MaxLen: 30},
	"WebSearch": {Field: "query"},

	"Bash": {Field: "command", MaxLen: 40},

	"Task": {Field: "description"},

	"WebFetch": {Field: "url", MaxLen: 40},
}

// DefaultToolInputMaxLen is the default max length for tool descriptions.
const DefaultToolInputMaxLen = 40

// extractToolInputDescription extracts a brief, human-readable description
// from tool input, using toolInputConfigs for known tools and falling back
// to the first string value otherwise.
func extractToolInputDescription(toolName string, input json.RawMessage) string {
	if len(input) == 0 {
		return ""
	}

	var inputMap map[string]any
	if err := json.Unmarshal(input, &inputMap); err != nil {
		return ""
	}

	if cfg, ok := toolInputConfigs[toolName]; ok {
		if value, exists := inputMap[cfg.Field].(string); exists {
			if cfg.ShortenPath {
				value = shortenPath(value)
			}
			if cfg.MaxLen > 0 {
				value = truncateString(value, cfg.MaxLen)
			}
			return value
		}
	}

	for _, v := range inputMap {
		if s, ok := v.(string); ok && s != "" {
			return truncateString(s, DefaultToolInputMaxLen)
		}
	}
	return ""
}

// truncateString truncates a string to maxLen characters, including "..." suffix.
// A maxLen of 0 means no limit.
func truncateString(s string, maxLen int) string {
	if maxLen <= 0 || len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}

// shortenPath returns just the final path component.
func shortenPath(path string) string {
	parts := strings.Split(path, "/")
	if len(parts) > 0 {
		return parts[len(parts)-1]
	}
	return path
}

// truncateForLog truncates long strings for log messages.
func truncateForLog(s string) string {
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}
