package llm

import (
	"context"
	"encoding/json"
	"iter"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/m4xw311/aichat/config"
	"github.com/m4xw311/aichat/errors"
	"github.com/m4xw311/aichat/session"
	"github.com/m4xw311/aichat/tools"
	"github.com/sirupsen/logrus"
)

const (
	defaultAnthropicBaseURL   = "https://api.anthropic.com"
	defaultAnthropicMaxTokens = 4096
)

// AnthropicLLMClient is a client for the Anthropic API.
type AnthropicLLMClient struct {
	client    *anthropic.Client
	model     string
	baseURL   string
	maxTokens int64
	audit     AuditLogger
}

// NewAnthropicLLMClient creates a new AnthropicLLMClient.
// It requires an API key, usually from the ANTHROPIC_API_KEY environment variable.
func NewAnthropicLLMClient(ctx context.Context, p config.Provider, audit AuditLogger, opts ...option.RequestOption) (*AnthropicLLMClient, error) {
	if p.APIKey == "" {
		return nil, errors.New("ANTHROPIC_API_KEY environment variable not set")
	}

	options := []option.RequestOption{
		option.WithAPIKey(p.APIKey),
	}
	baseURL := defaultAnthropicBaseURL
	if p.BaseURL != "" {
		baseURL = p.BaseURL
		options = append(options, option.WithBaseURL(p.BaseURL))
	}
	options = append(options, opts...)

	client := anthropic.NewClient(options...)
	return &AnthropicLLMClient{
		client:    &client,
		model:     p.Model,
		baseURL:   baseURL,
		maxTokens: p.MaxTokens,
		audit:     audit,
	}, nil
}

func (a *AnthropicLLMClient) Name() string { return "anthropic" }

func (a *AnthropicLLMClient) exchange(params anthropic.MessageNewParams) exchange {
	return exchange{
		provider: a.Name(),
		method:   "messages.create",
		url:      strings.TrimSuffix(a.baseURL, "/") + "/v1/messages",
		request:  params,
	}
}

// Chat sends a chat request to the Anthropic API.
func (a *AnthropicLLMClient) Chat(ctx context.Context, messages []session.Message, availableTools []tools.Tool) (*session.Message, error) {
	params := newAnthropicParams(a.model, maxTokensFor(ctx, a.maxTokens), messages, availableTools)
	ex := a.exchange(params)

	resp, err := a.client.Messages.New(ctx, params)
	if err != nil {
		ex.record(ctx, a.audit, nil, err, nil)
		return nil, errors.Wrapf(err, "failed to send message to Anthropic")
	}

	msg, err := processAnthropicResponse(resp)
	ex.record(ctx, a.audit, []byte(resp.RawJSON()), nil, err)
	if err != nil {
		logrus.WithError(err).Warn("could not parse Anthropic response")
		return parseFailure(err), nil
	}
	return msg, nil
}

// ChatStream streams a message, accumulating the events into the final reply.
func (a *AnthropicLLMClient) ChatStream(ctx context.Context, messages []session.Message, availableTools []tools.Tool) iter.Seq2[StreamChunk, error] {
	return singleUse(func(yield func(StreamChunk, error) bool) {
		params := newAnthropicParams(a.model, maxTokensFor(ctx, a.maxTokens), messages, availableTools)
		ex := a.exchange(params)

		stream := a.client.Messages.NewStreaming(ctx, params)
		defer stream.Close()

		var reply anthropic.Message
		var accErr error
		for stream.Next() {
			event := stream.Current()
			if err := reply.Accumulate(event); err != nil && accErr == nil {
				accErr = err
			}
			delta, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent)
			if !ok {
				continue
			}
			text, ok := delta.Delta.AsAny().(anthropic.TextDelta)
			if !ok || text.Text == "" {
				continue
			}
			if !yield(StreamChunk{Delta: text.Text}, nil) {
				ex.record(ctx, a.audit, nil, errors.New("stream closed by caller"), nil)
				return
			}
		}
		if err := stream.Err(); err != nil {
			ex.record(ctx, a.audit, nil, err, nil)
			yield(StreamChunk{}, errors.Wrapf(err, "failed to stream from Anthropic"))
			return
		}

		body, _ := json.Marshal(reply)
		msg, err := processAnthropicResponse(&reply)
		if accErr != nil {
			msg, err = nil, errors.Wrapf(accErr, "failed to accumulate stream events")
		}
		ex.record(ctx, a.audit, body, nil, err)
		if err != nil {
			msg = parseFailure(err)
		}
		yield(StreamChunk{Message: msg}, nil)
	})
}

// newAnthropicParams builds the request shared by the Anthropic API and
// Bedrock.
func newAnthropicParams(model string, maxTokens int64, messages []session.Message, availableTools []tools.Tool) anthropic.MessageNewParams {
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}
	anthropicMessages, systemPrompt := convertMessagesToAnthropicMessages(messages)
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: maxTokens,
		Messages:  anthropicMessages,
		Tools:     convertToolsToAnthropicTools(availableTools),
	}
	if systemPrompt != "" {
		params.System = []anthropic.TextBlockParam{
			{Text: systemPrompt},
		}
	}
	return params
}

// convertMessagesToAnthropicMessages converts our internal message format to
// Anthropic's. System messages are hoisted out and joined with newlines;
// tool results travel as user messages.
func convertMessagesToAnthropicMessages(messages []session.Message) ([]anthropic.MessageParam, string) {
	var anthropicMessages []anthropic.MessageParam
	var system []string

	for _, msg := range messages {
		switch msg.Role {
		case session.RoleSystem:
			if text := msg.Text(); text != "" {
				system = append(system, text)
			}
		case session.RoleAssistant:
			var blocks []anthropic.ContentBlockParamUnion
			if text := msg.Text(); text != "" {
				blocks = append(blocks, anthropic.NewTextBlock(text))
			}
			for _, tc := range msg.ToolCalls {
				input := tc.Args
				if input == nil {
					input = map[string]interface{}{}
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ToolCallID, input, tc.Name))
			}
			if len(blocks) > 0 {
				anthropicMessages = append(anthropicMessages, anthropic.NewAssistantMessage(blocks...))
			}
		case session.RoleTool:
			anthropicMessages = append(anthropicMessages, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(msg.ToolCallID, msg.Text(), false),
			))
		default:
			if blocks := userBlocks(msg); len(blocks) > 0 {
				anthropicMessages = append(anthropicMessages, anthropic.NewUserMessage(blocks...))
			}
		}
	}

	return anthropicMessages, strings.Join(system, "\n")
}

func userBlocks(msg session.Message) []anthropic.ContentBlockParamUnion {
	if len(msg.Parts) == 0 {
		if msg.Content == "" {
			return nil
		}
		return []anthropic.ContentBlockParamUnion{anthropic.NewTextBlock(msg.Content)}
	}
	var blocks []anthropic.ContentBlockParamUnion
	for _, p := range msg.Parts {
		switch {
		case p.Type == session.PartImage && p.ImageURL != nil:
			mediaType, data, err := session.ParseDataURL(p.ImageURL.URL)
			if err != nil {
				logrus.WithError(err).Warn("dropping image part that is not an inline data URL")
				continue
			}
			blocks = append(blocks, anthropic.NewImageBlockBase64(mediaType, data))
		case p.Type == session.PartText && p.Text != "":
			blocks = append(blocks, anthropic.NewTextBlock(p.Text))
		}
	}
	return blocks
}

// convertToolsToAnthropicTools converts our Tool interface to Anthropic's tool format.
func convertToolsToAnthropicTools(ts []tools.Tool) []anthropic.ToolUnionParam {
	if len(ts) == 0 {
		return nil
	}

	anthropicTools := make([]anthropic.ToolUnionParam, 0, len(ts))
	for _, t := range ts {
		props, required := tools.SchemaProperties(t.Schema())
		anthropicTools = append(anthropicTools, anthropic.ToolUnionParam{OfTool: &anthropic.ToolParam{
			Name:        t.Name(),
			Description: anthropic.String(t.Description()),
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: props,
				Required:   required,
			},
		}})
	}
	return anthropicTools
}

// processAnthropicResponse converts an Anthropic API response into our internal session.Message format.
func processAnthropicResponse(resp *anthropic.Message) (*session.Message, error) {
	var responseContent strings.Builder
	var toolCalls []session.ToolCall

	for _, content := range resp.Content {
		switch c := content.AsAny().(type) {
		case anthropic.TextBlock:
			responseContent.WriteString(c.Text)
		case anthropic.ToolUseBlock:
			args := map[string]interface{}{}
			if len(c.Input) > 0 {
				if err := json.Unmarshal(c.Input, &args); err != nil {
					return nil, errors.Wrapf(err, "failed to unmarshal input of tool call '%s'", c.Name)
				}
			}
			toolCalls = append(toolCalls, session.ToolCall{
				ToolCallID: c.ID,
				Name:       c.Name,
				Args:       args,
			})
		}
	}

	return &session.Message{
		Role:      session.RoleAssistant,
		Content:   responseContent.String(),
		ToolCalls: toolCalls,
	}, nil
}
