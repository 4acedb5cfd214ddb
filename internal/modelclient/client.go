// Package modelclient is the narrow boundary between the rest of this
// module and the specific wire library used to talk to the model
// provider. Every other package reaches the provider only through
// *Client, so the concrete SDK dependency stays isolated here.
//
// Capture needs more structure out of a turn than a flattened chat
// message: it must see thinking, text, and tool-use blocks as separate,
// ordered items so it can tag each with a turn index and back-link
// following actions. Response exposes exactly that, while still letting
// callers reconstruct the provider's own content list verbatim for the
// next turn — required by the interleaved-reasoning contract (SPEC_FULL
// §4.1, §9).
package modelclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/shared/constant"

	"rto/internal/observability"
)

// DefaultBaseURL is the Anthropic-SDK-compatible endpoint MiniMax exposes.
const DefaultBaseURL = "https://api.minimax.io/anthropic"

// DefaultModel is the model used when none is configured.
const DefaultModel = "MiniMax-M2.1"

// thinkingBudget is the minimum token budget Anthropic's wire protocol
// requires before it will emit extended-thinking blocks; max_tokens must
// exceed it.
const thinkingBudget int64 = 1024

// Config configures a Client.
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
}

// Client talks to the configured model provider over the Anthropic
// messages wire format. It is reentrant and safe to share across Capture,
// Analyzer, Optimizer, and the Skill Generator (SPEC_FULL §5).
type Client struct {
	sdk   anthropic.Client
	model string
}

// New builds a Client from cfg. httpClient may be nil, in which case an
// OTel-instrumented client is used so every provider call is traced.
func New(cfg Config, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = observability.NewHTTPClient(nil)
	}
	opts := []option.RequestOption{
		option.WithAPIKey(strings.TrimSpace(cfg.APIKey)),
		option.WithHTTPClient(httpClient),
	}
	base := strings.TrimSpace(cfg.BaseURL)
	if base == "" {
		base = DefaultBaseURL
	}
	opts = append(opts, option.WithBaseURL(strings.TrimSuffix(base, "/")))

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = DefaultModel
	}

	return &Client{
		sdk:   anthropic.NewClient(opts...),
		model: model,
	}
}

// Model returns the model name this client sends requests for.
func (c *Client) Model() string { return c.model }

// ToolDef describes one tool the model may call.
type ToolDef struct {
	Name        string
	Description string
	Parameters  map[string]any // JSON-schema-shaped: properties/required/etc.
}

// ToolUse is one tool invocation the model emitted.
type ToolUse struct {
	ID    string
	Name  string
	Input map[string]any
}

// ThinkingChunk is one reasoning block the model emitted, in emission
// order.
type ThinkingChunk struct {
	Text      string
	Signature string
}

// Usage reports token accounting for one call.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Response is the structured result of one model turn: its reasoning,
// its text, and any tool calls it asked for, in the order the provider
// emitted them.
type Response struct {
	Thinking []ThinkingChunk
	Text     string
	ToolUses []ToolUse
	Usage    Usage

	raw anthropic.Message
}

// ToAssistantMessageParam reconstructs this turn's content list —
// thinking blocks, text, and tool-use blocks, in original order — so it
// can be appended verbatim to the conversation history for the next
// turn. Dropping or reordering any of these blocks breaks the provider's
// interleaved-reasoning contract (SPEC_FULL §9).
func (r *Response) ToAssistantMessageParam() anthropic.MessageParam {
	blocks := make([]anthropic.ContentBlockParamUnion, 0, len(r.raw.Content))
	for _, block := range r.raw.Content {
		switch v := block.AsAny().(type) {
		case anthropic.ThinkingBlock:
			blocks = append(blocks, anthropic.NewThinkingBlock(v.Signature, v.Thinking))
		case anthropic.TextBlock:
			blocks = append(blocks, anthropic.NewTextBlock(v.Text))
		case anthropic.ToolUseBlock:
			blocks = append(blocks, anthropic.NewToolUseBlock(v.ID, v.Input, v.Name))
		}
	}
	return anthropic.NewAssistantMessage(blocks...)
}

// NewUserMessage builds a plain user turn.
func NewUserMessage(text string) anthropic.MessageParam {
	return anthropic.NewUserMessage(anthropic.NewTextBlock(text))
}

// ToolResult is one tool outcome keyed by the tool_use id it answers.
type ToolResult struct {
	ToolUseID string
	Content   string
	IsError   bool
}

// NewToolResultMessage packs a batch of tool outcomes into a single
// user-role message, one tool_result block per outcome, matching the
// provider's wire contract (SPEC_FULL §6).
func NewToolResultMessage(results []ToolResult) anthropic.MessageParam {
	blocks := make([]anthropic.ContentBlockParamUnion, 0, len(results))
	for _, r := range results {
		blocks = append(blocks, anthropic.NewToolResultBlock(r.ToolUseID, r.Content, r.IsError))
	}
	return anthropic.NewUserMessage(blocks...)
}

// Send issues one non-streaming call and returns the structured result.
// history is mutated by nobody; the caller owns appending Send's result
// (via ToAssistantMessageParam) and any tool-result messages before the
// next call.
func (c *Client) Send(ctx context.Context, systemPrompt string, history []anthropic.MessageParam, tools []ToolDef, maxTokens int64) (*Response, error) {
	toolDefs, err := adaptTools(tools)
	if err != nil {
		return nil, fmt.Errorf("modelclient: %w", err)
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		Messages:  history,
		MaxTokens: maxTokens,
	}
	if strings.TrimSpace(systemPrompt) != "" {
		params.System = []anthropic.TextBlockParam{{Text: systemPrompt}}
	}
	if len(toolDefs) > 0 {
		params.Tools = toolDefs
	}
	enableThinking(&params)

	log := observability.LoggerWithTrace(ctx)
	resp, err := c.sdk.Messages.New(ctx, params)
	if err != nil {
		log.Error().Err(err).Str("model", c.model).Msg("modelclient_send_error")
		return nil, err
	}
	out := responseFromMessage(resp)
	log.Debug().
		Str("model", c.model).
		Int("thinking_blocks", len(out.Thinking)).
		Int("tool_uses", len(out.ToolUses)).
		Int("input_tokens", out.Usage.InputTokens).
		Int("output_tokens", out.Usage.OutputTokens).
		Msg("modelclient_send_ok")
	return out, nil
}

// StreamHandler receives incremental events during RunStreaming-style
// calls. Streaming is a display-only convenience (SPEC_FULL §4.1); the
// authoritative Response is still returned once the stream completes.
type StreamHandler interface {
	OnThinkingDelta(text string)
	OnTextDelta(text string)
}

// SendStreaming issues one streaming call, invoking h as chunks arrive,
// and returns the same structured Response Send would have produced from
// the assembled final message.
func (c *Client) SendStreaming(ctx context.Context, systemPrompt string, history []anthropic.MessageParam, tools []ToolDef, maxTokens int64, h StreamHandler) (*Response, error) {
	toolDefs, err := adaptTools(tools)
	if err != nil {
		return nil, fmt.Errorf("modelclient: %w", err)
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		Messages:  history,
		MaxTokens: maxTokens,
	}
	if strings.TrimSpace(systemPrompt) != "" {
		params.System = []anthropic.TextBlockParam{{Text: systemPrompt}}
	}
	if len(toolDefs) > 0 {
		params.Tools = toolDefs
	}
	enableThinking(&params)

	log := observability.LoggerWithTrace(ctx)
	stream := c.sdk.Messages.NewStreaming(ctx, params)
	defer func() { _ = stream.Close() }()

	var acc anthropic.Message
	toolBuffers := map[int64]*toolBuffer{}
	thinkingBuilders := map[int64]*strings.Builder{}

	for stream.Next() {
		event := stream.Current()
		if err := acc.Accumulate(event); err != nil {
			log.Debug().Err(err).Msg("modelclient_accumulate_error")
		}
		switch ev := event.AsAny().(type) {
		case anthropic.ContentBlockStartEvent:
			switch block := ev.ContentBlock.AsAny().(type) {
			case anthropic.ThinkingBlock:
				b := &strings.Builder{}
				b.WriteString(block.Thinking)
				thinkingBuilders[ev.Index] = b
				if h != nil && b.Len() > 0 {
					h.OnThinkingDelta(b.String())
				}
			case anthropic.ToolUseBlock:
				id := strings.TrimSpace(block.ID)
				if id == "" {
					id = fmt.Sprintf("call-%d", len(toolBuffers)+1)
				}
				tb := &toolBuffer{name: block.Name, id: id}
				tb.appendInitial(block.Input)
				toolBuffers[ev.Index] = tb
			}
		case anthropic.ContentBlockDeltaEvent:
			switch delta := ev.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				if h != nil && delta.Text != "" {
					h.OnTextDelta(delta.Text)
				}
			case anthropic.InputJSONDelta:
				if tb := toolBuffers[ev.Index]; tb != nil {
					tb.appendPartial(delta.PartialJSON)
				}
			case anthropic.ThinkingDelta:
				if delta.Thinking != "" {
					b := thinkingBuilders[ev.Index]
					if b == nil {
						b = &strings.Builder{}
						thinkingBuilders[ev.Index] = b
					}
					b.WriteString(delta.Thinking)
					if h != nil {
						h.OnThinkingDelta(delta.Thinking)
					}
				}
			}
		}
	}
	if err := stream.Err(); err != nil {
		log.Error().Err(err).Str("model", c.model).Msg("modelclient_stream_error")
		return nil, err
	}

	out := responseFromMessage(&acc)

	// The SDK's own accumulation of InputJSONDelta events is unreliable for
	// tool calls that arrive as streamed partial JSON; prefer our own
	// tracking whenever any buffer actually received deltas.
	hasStreamedDeltas := false
	for _, tb := range toolBuffers {
		if tb.hasDeltas {
			hasStreamedDeltas = true
			break
		}
	}
	if hasStreamedDeltas {
		indices := make([]int64, 0, len(toolBuffers))
		for idx := range toolBuffers {
			indices = append(indices, idx)
		}
		sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })
		out.ToolUses = out.ToolUses[:0]
		for _, idx := range indices {
			out.ToolUses = append(out.ToolUses, toolBuffers[idx].toToolUse())
		}
	}
	return out, nil
}

func enableThinking(params *anthropic.MessageNewParams) {
	params.Thinking = anthropic.ThinkingConfigParamOfEnabled(thinkingBudget)
	if params.MaxTokens <= thinkingBudget {
		params.MaxTokens = thinkingBudget + 1024
	}
}

func adaptTools(tools []ToolDef) ([]anthropic.ToolUnionParam, error) {
	if len(tools) == 0 {
		return nil, nil
	}
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		name := strings.TrimSpace(t.Name)
		if name == "" {
			return nil, fmt.Errorf("tool name required")
		}
		schema := anthropic.ToolInputSchemaParam{Type: constant.ValueOf[constant.Object]()}
		extras := map[string]any{}
		for k, v := range t.Parameters {
			extras[k] = v
		}
		if props, ok := extras["properties"]; ok {
			schema.Properties = props
			delete(extras, "properties")
		}
		if req, ok := extras["required"]; ok {
			delete(extras, "required")
			switch v := req.(type) {
			case []string:
				schema.Required = v
			case []any:
				for _, item := range v {
					if s, ok := item.(string); ok {
						schema.Required = append(schema.Required, s)
					}
				}
			}
		}
		delete(extras, "type")
		if len(extras) > 0 {
			schema.ExtraFields = extras
		}

		param := anthropic.ToolParam{Name: name, InputSchema: schema}
		if desc := strings.TrimSpace(t.Description); desc != "" {
			param.Description = anthropic.String(desc)
		}
		out = append(out, anthropic.ToolUnionParam{OfTool: &param})
	}
	return out, nil
}

func responseFromMessage(msg *anthropic.Message) *Response {
	out := &Response{raw: *msg}
	var text strings.Builder
	for _, block := range msg.Content {
		switch v := block.AsAny().(type) {
		case anthropic.ThinkingBlock:
			out.Thinking = append(out.Thinking, ThinkingChunk{Text: v.Thinking, Signature: v.Signature})
		case anthropic.TextBlock:
			text.WriteString(v.Text)
		case anthropic.ToolUseBlock:
			input := map[string]any{}
			if m, ok := v.Input.(map[string]any); ok {
				input = m
			}
			id := strings.TrimSpace(v.ID)
			if id == "" {
				id = fmt.Sprintf("call-%d", len(out.ToolUses)+1)
			}
			out.ToolUses = append(out.ToolUses, ToolUse{ID: id, Name: v.Name, Input: input})
		}
	}
	out.Text = text.String()
	out.Usage = Usage{
		InputTokens:  int(msg.Usage.CacheCreationInputTokens + msg.Usage.CacheReadInputTokens + msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
	}
	return out
}

// toolBuffer accumulates a tool-use's streamed partial-JSON input,
// mirroring the provider's content_block_start + input_json_delta
// sequence (SPEC_FULL §6).
type toolBuffer struct {
	name      string
	id        string
	buf       strings.Builder
	hasDeltas bool
}

func (tb *toolBuffer) appendInitial(_ any) {
	tb.buf.WriteString("{}")
}

func (tb *toolBuffer) appendPartial(partial string) {
	if partial == "" {
		return
	}
	if !tb.hasDeltas {
		tb.buf.Reset()
		tb.hasDeltas = true
	}
	tb.buf.WriteString(partial)
}

func (tb *toolBuffer) toToolUse() ToolUse {
	trimmed := strings.TrimSpace(tb.buf.String())
	if trimmed == "" {
		trimmed = "{}"
	}
	if !strings.HasPrefix(trimmed, "{") {
		trimmed = "{" + trimmed
	}
	if !strings.HasSuffix(trimmed, "}") {
		trimmed += "}"
	}
	input := map[string]any{}
	_ = json.Unmarshal([]byte(trimmed), &input)
	return ToolUse{ID: tb.id, Name: tb.name, Input: input}
}
