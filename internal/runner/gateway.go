// ABOUTME: HTTP client for the agent gateway send endpoint
// ABOUTME: Posts a message and consumes the server-sent event stream of the reply

package runner

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// ErrAgent is returned when the gateway streams an error event.
var ErrAgent = errors.New("agent error")

// EventType is an SSE event name emitted by the gateway.
type EventType string

const (
	EventThinking EventType = "thinking"
	EventText     EventType = "text"
	EventDone     EventType = "done"
	EventError    EventType = "error"
)

// Event is one parsed server-sent event.
type Event struct {
	Type EventType
	Data string
}

type textData struct {
	Text         string `json:"text,omitempty"`
	FullResponse string `json:"full_response,omitempty"`
}

type errorData struct {
	Error string `json:"error"`
}

// SendRequest is the body of POST /api/send.
type SendRequest struct {
	ThreadID  string `json:"thread_id,omitempty"`
	AgentID   string `json:"agent_id,omitempty"`
	Sender    string `json:"sender"`
	Content   string `json:"content"`
	Frontend  string `json:"frontend"`
	ChannelID string `json:"channel_id"`
}

// GatewayClient talks to the agent gateway HTTP API.
type GatewayClient struct {
	baseURL string
	client  *http.Client
	tokens  *TokenSource
}

// NewGatewayClient creates a client. tokens may be nil.
func NewGatewayClient(baseURL string, tokens *TokenSource, client *http.Client) *GatewayClient {
	if client == nil {
		client = &http.Client{}
	}
	return &GatewayClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  client,
		tokens:  tokens,
	}
}

// Send posts req and returns the agent's full reply. onEvent, if set, sees
// every event as it arrives.
func (g *GatewayClient) Send(ctx context.Context, req SendRequest, onEvent func(Event)) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/api/send", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	if g.tokens != nil {
		token, err := g.tokens.Token()
		if err != nil {
			return "", err
		}
		if token != "" {
			httpReq.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", statusError(resp)
	}

	return readStream(ctx, resp.Body, onEvent)
}

func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		var e errorData
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			return fmt.Errorf("gateway error (%d): %s", resp.StatusCode, e.Error)
		}
	}
	return fmt.Errorf("gateway returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
}

// readStream parses the SSE body. The reply is the done event's
// full_response, or the concatenated text events when done carries none.
func readStream(ctx context.Context, body io.Reader, onEvent func(Event)) (string, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var (
		eventType EventType
		dataLines []string
		text      strings.Builder
		full      string
		done      bool
	)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		line := scanner.Text()
		switch {
		case line == "":
			if eventType == "" || len(dataLines) == 0 {
				eventType, dataLines = "", nil
				continue
			}
			ev := Event{Type: eventType, Data: strings.Join(dataLines, "\n")}
			eventType, dataLines = "", nil

			switch ev.Type {
			case EventText:
				var d textData
				if json.Unmarshal([]byte(ev.Data), &d) == nil {
					text.WriteString(d.Text)
				}
			case EventDone:
				var d textData
				if json.Unmarshal([]byte(ev.Data), &d) == nil {
					full = d.FullResponse
				}
				done = true
			case EventError:
				var d errorData
				if json.Unmarshal([]byte(ev.Data), &d) != nil || d.Error == "" {
					d.Error = ev.Data
				}
				return "", fmt.Errorf("%w: %s", ErrAgent, d.Error)
			}
			if onEvent != nil {
				onEvent(ev)
			}

		case strings.HasPrefix(line, "event:"):
			eventType = EventType(strings.TrimSpace(strings.TrimPrefix(line, "event:")))

		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
		if done {
			break
		}
	}

	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("reading event stream: %w", err)
	}
	if full == "" {
		full = text.String()
	}
	return full, nil
}
