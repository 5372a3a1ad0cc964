package llm

import (
	"context"
	"encoding/json"
	"iter"
	"strings"

	"github.com/m4xw311/aichat/config"
	"github.com/m4xw311/aichat/errors"
	"github.com/m4xw311/aichat/session"
	"github.com/m4xw311/aichat/tools"
	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/sirupsen/logrus"
)

const defaultOpenAIBaseURL = "https://api.openai.com/v1/"

// OpenAILLMClient is a client for the OpenAI Chat Completion API and any
// server speaking the same wire format.
type OpenAILLMClient struct {
	client    *openai.Client
	model     string
	baseURL   string
	maxTokens int64
	audit     AuditLogger
}

// NewOpenAILLMClient creates a new OpenAILLMClient. An API key is required
// unless the provider points at a custom base URL.
func NewOpenAILLMClient(ctx context.Context, p config.Provider, audit AuditLogger, opts ...option.RequestOption) (*OpenAILLMClient, error) {
	if p.APIKey == "" && p.BaseURL == "" {
		return nil, errors.New("OPENAI_API_KEY environment variable not set")
	}

	options := []option.RequestOption{
		option.WithAPIKey(p.APIKey),
	}
	baseURL := defaultOpenAIBaseURL
	if p.BaseURL != "" {
		baseURL = p.BaseURL
		options = append(options, option.WithBaseURL(p.BaseURL))
	}
	options = append(options, opts...)

	c := openai.NewClient(options...)
	return &OpenAILLMClient{
		client:    &c,
		model:     p.Model,
		baseURL:   baseURL,
		maxTokens: p.MaxTokens,
		audit:     audit,
	}, nil
}

func (o *OpenAILLMClient) Name() string { return "openai" }

func (o *OpenAILLMClient) params(ctx context.Context, messages []session.Message, availableTools []tools.Tool) openai.ChatCompletionNewParams {
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(o.model),
		Messages: convertMessagesToOpenaiContent(messages),
		Tools:    convertToolsToOpenAITools(availableTools),
	}
	if n := maxTokensFor(ctx, o.maxTokens); n > 0 {
		params.MaxTokens = openai.Int(n)
	}
	return params
}

func (o *OpenAILLMClient) exchange(params openai.ChatCompletionNewParams) exchange {
	return exchange{
		provider: o.Name(),
		method:   "chat.completions.create",
		url:      strings.TrimSuffix(o.baseURL, "/") + "/chat/completions",
		request:  params,
	}
}

// Chat sends a chat request to OpenAI and converts the response into our internal session.Message format.
func (o *OpenAILLMClient) Chat(ctx context.Context, messages []session.Message, availableTools []tools.Tool) (*session.Message, error) {
	params := o.params(ctx, messages, availableTools)
	ex := o.exchange(params)

	resp, err := o.client.Chat.Completions.New(ctx, params)
	if err != nil {
		ex.record(ctx, o.audit, nil, err, nil)
		return nil, errors.Wrapf(err, "failed to send message to OpenAI")
	}

	msg, err := processOpenaiResponse(resp)
	ex.record(ctx, o.audit, []byte(resp.RawJSON()), nil, err)
	if err != nil {
		logrus.WithError(err).Warn("could not parse OpenAI response")
		return parseFailure(err), nil
	}
	return msg, nil
}

// ChatStream streams a chat completion, folding the chunks back into one
// completion to build the final message.
func (o *OpenAILLMClient) ChatStream(ctx context.Context, messages []session.Message, availableTools []tools.Tool) iter.Seq2[StreamChunk, error] {
	return singleUse(func(yield func(StreamChunk, error) bool) {
		params := o.params(ctx, messages, availableTools)
		ex := o.exchange(params)

		stream := o.client.Chat.Completions.NewStreaming(ctx, params)
		defer stream.Close()

		acc := openai.ChatCompletionAccumulator{}
		for stream.Next() {
			chunk := stream.Current()
			acc.AddChunk(chunk)
			if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
				continue
			}
			if !yield(StreamChunk{Delta: chunk.Choices[0].Delta.Content}, nil) {
				ex.record(ctx, o.audit, nil, errors.New("stream closed by caller"), nil)
				return
			}
		}
		if err := stream.Err(); err != nil {
			ex.record(ctx, o.audit, nil, err, nil)
			yield(StreamChunk{}, errors.Wrapf(err, "failed to stream from OpenAI"))
			return
		}

		body, _ := json.Marshal(acc.ChatCompletion)
		msg, err := processOpenaiResponse(&acc.ChatCompletion)
		ex.record(ctx, o.audit, body, nil, err)
		if err != nil {
			msg = parseFailure(err)
		}
		yield(StreamChunk{Message: msg}, nil)
	})
}

// processOpenaiResponse converts an OpenAI API response into our internal session.Message format.
func processOpenaiResponse(resp *openai.ChatCompletion) (*session.Message, error) {
	if len(resp.Choices) == 0 {
		return nil, errors.New("response has no choices")
	}

	choice := resp.Choices[0].Message
	msg := &session.Message{Role: session.RoleAssistant, Content: choice.Content}
	for _, tc := range choice.ToolCalls {
		// Arguments are a JSON string holding an object.
		toolArgs := map[string]interface{}{}
		if strings.TrimSpace(tc.Function.Arguments) != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &toolArgs); err != nil {
				return nil, errors.Wrapf(err, "failed to unmarshal arguments of tool call '%s'", tc.Function.Name)
			}
		}
		msg.ToolCalls = append(msg.ToolCalls, session.ToolCall{
			ToolCallID: tc.ID,
			Name:       tc.Function.Name,
			Args:       toolArgs,
		})
	}
	return msg, nil
}

// convertMessagesToOpenaiContent converts our internal message format to OpenAI's.
func convertMessagesToOpenaiContent(messages []session.Message) []openai.ChatCompletionMessageParamUnion {
	var chatMessages []openai.ChatCompletionMessageParamUnion
	for _, msg := range messages {
		switch msg.Role {
		case session.RoleSystem:
			chatMessages = append(chatMessages, openai.SystemMessage(msg.Text()))
		case session.RoleAssistant:
			assistant := openai.ChatCompletionAssistantMessageParam{}
			if text := msg.Text(); text != "" {
				assistant.Content.OfString = openai.String(text)
			}
			for _, tc := range msg.ToolCalls {
				argsBytes, err := json.Marshal(tc.Args)
				if err != nil {
					logrus.WithError(err).WithField("tool", tc.Name).Warn("could not marshal tool call arguments, skipping call in history")
					continue
				}
				if tc.Args == nil {
					argsBytes = []byte("{}")
				}
				assistant.ToolCalls = append(assistant.ToolCalls, openai.ChatCompletionMessageToolCallUnionParam{
					OfFunction: &openai.ChatCompletionMessageFunctionToolCallParam{
						ID: tc.ToolCallID,
						Function: openai.ChatCompletionMessageFunctionToolCallFunctionParam{
							Name:      tc.Name,
							Arguments: string(argsBytes),
						},
					},
				})
			}
			chatMessages = append(chatMessages, openai.ChatCompletionMessageParamUnion{OfAssistant: &assistant})
		case session.RoleTool:
			chatMessages = append(chatMessages, openai.ToolMessage(msg.Text(), msg.ToolCallID))
		default:
			if len(msg.Parts) == 0 {
				chatMessages = append(chatMessages, openai.UserMessage(msg.Content))
				continue
			}
			parts := make([]openai.ChatCompletionContentPartUnionParam, 0, len(msg.Parts))
			for _, p := range msg.Parts {
				switch {
				case p.Type == session.PartImage && p.ImageURL != nil:
					parts = append(parts, openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{URL: p.ImageURL.URL}))
				case p.Type == session.PartText:
					parts = append(parts, openai.TextContentPart(p.Text))
				}
			}
			chatMessages = append(chatMessages, openai.UserMessage(parts))
		}
	}
	return chatMessages
}

// convertToolsToOpenAITools converts our Tool interface to the OpenAI Tool format.
func convertToolsToOpenAITools(ts []tools.Tool) []openai.ChatCompletionToolUnionParam {
	if len(ts) == 0 {
		return nil
	}
	var openAITools []openai.ChatCompletionToolUnionParam
	for _, t := range ts {
		schema := t.Schema()
		if schema == nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		toolParam := openai.ChatCompletionFunctionTool(openai.FunctionDefinitionParam{
			Name:        t.Name(),
			Description: openai.String(t.Description()),
			Parameters:  openai.FunctionParameters(schema),
		})
		openAITools = append(openAITools, toolParam)
	}
	return openAITools
}
