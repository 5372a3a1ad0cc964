package llm

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"iter"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"github.com/m4xw311/aichat/config"
	"github.com/m4xw311/aichat/errors"
	"github.com/m4xw311/aichat/session"
	"github.com/m4xw311/aichat/tools"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// GeminiLLMClient is a client for the Google Gemini API.
type GeminiLLMClient struct {
	client    *genai.Client
	modelName string
	maxTokens int64
	audit     AuditLogger
}

// NewGeminiLLMClient creates a new GeminiLLMClient.
// It requires the GEMINI_API_KEY environment variable to be set.
func NewGeminiLLMClient(ctx context.Context, p config.Provider, audit AuditLogger, opts ...option.ClientOption) (*GeminiLLMClient, error) {
	if p.APIKey == "" {
		return nil, errors.New("GEMINI_API_KEY environment variable not set")
	}

	clientOpts := append([]option.ClientOption{option.WithAPIKey(p.APIKey)}, opts...)
	if p.BaseURL != "" {
		clientOpts = append(clientOpts, option.WithEndpoint(p.BaseURL))
	}
	client, err := genai.NewClient(ctx, clientOpts...)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create genai client")
	}

	return &GeminiLLMClient{
		client:    client,
		modelName: p.Model,
		maxTokens: p.MaxTokens,
		audit:     audit,
	}, nil
}

func (g *GeminiLLMClient) Name() string { return "gemini" }

// Close releases the underlying connection.
func (g *GeminiLLMClient) Close() error {
	return g.client.Close()
}

// geminiRequest is one prepared call: a chat session primed with the history
// and the parts of the message to send.
type geminiRequest struct {
	chat  *genai.ChatSession
	parts []genai.Part
	ex    exchange
}

func (g *GeminiLLMClient) prepare(ctx context.Context, method string, messages []session.Message, availableTools []tools.Tool) (*geminiRequest, error) {
	contents, system := convertMessagesToGeminiContent(messages)
	if len(contents) == 0 {
		return nil, errors.Errorf(errors.ErrInvalidArgument, "no messages to send to Gemini")
	}
	last := contents[len(contents)-1]
	if last.Role != "user" {
		return nil, errors.Errorf(errors.ErrInvalidArgument, "the last message sent to Gemini must come from the user")
	}

	// Models are cheap handles; one per call keeps concurrent calls from
	// sharing tool settings.
	model := g.client.GenerativeModel(g.modelName)
	model.Tools = convertToolsToGeminiTools(availableTools)
	if system != "" {
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(system)}}
	}
	if n := maxTokensFor(ctx, g.maxTokens); n > 0 {
		model.SetMaxOutputTokens(int32(n))
	}

	chat := model.StartChat()
	chat.History = contents[:len(contents)-1]
	return &geminiRequest{
		chat:  chat,
		parts: last.Parts,
		ex: exchange{
			provider: g.Name(),
			method:   method,
			url:      fmt.Sprintf("https://generativelanguage.googleapis.com/v1beta/models/%s:%s", g.modelName, method),
			request: map[string]any{
				"system_instruction": system,
				"contents":           contents,
				"tools":              model.Tools,
			},
		},
	}, nil
}

// Chat sends a chat request to the Gemini API.
func (g *GeminiLLMClient) Chat(ctx context.Context, messages []session.Message, availableTools []tools.Tool) (*session.Message, error) {
	req, err := g.prepare(ctx, "generateContent", messages, availableTools)
	if err != nil {
		return nil, err
	}

	resp, err := req.chat.SendMessage(ctx, req.parts...)
	if err != nil {
		req.ex.record(ctx, g.audit, nil, err, nil)
		return nil, errors.Wrapf(err, "failed to send message to Gemini")
	}

	body, _ := json.Marshal(resp)
	msg, err := processGeminiResponse(resp)
	req.ex.record(ctx, g.audit, body, nil, err)
	if err != nil {
		logrus.WithError(err).Warn("could not parse Gemini response")
		return parseFailure(err), nil
	}
	return msg, nil
}

// ChatStream streams the reply and merges the candidate parts of every
// response into the final message.
func (g *GeminiLLMClient) ChatStream(ctx context.Context, messages []session.Message, availableTools []tools.Tool) iter.Seq2[StreamChunk, error] {
	return singleUse(func(yield func(StreamChunk, error) bool) {
		req, err := g.prepare(ctx, "streamGenerateContent", messages, availableTools)
		if err != nil {
			yield(StreamChunk{}, err)
			return
		}

		it := req.chat.SendMessageStream(ctx, req.parts...)
		merged := &genai.GenerateContentResponse{}
		var content *genai.Content
		for {
			resp, err := it.Next()
			if err == iterator.Done {
				break
			}
			if err != nil {
				req.ex.record(ctx, g.audit, nil, err, nil)
				yield(StreamChunk{}, errors.Wrapf(err, "failed to stream from Gemini"))
				return
			}
			if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
				continue
			}
			if content == nil {
				content = &genai.Content{Role: resp.Candidates[0].Content.Role}
				merged.Candidates = []*genai.Candidate{{Content: content}}
			}
			for _, part := range resp.Candidates[0].Content.Parts {
				content.Parts = append(content.Parts, part)
				text, ok := part.(genai.Text)
				if !ok || text == "" {
					continue
				}
				if !yield(StreamChunk{Delta: string(text)}, nil) {
					req.ex.record(ctx, g.audit, nil, errors.New("stream closed by caller"), nil)
					return
				}
			}
		}

		body, _ := json.Marshal(merged)
		msg, err := processGeminiResponse(merged)
		req.ex.record(ctx, g.audit, body, nil, err)
		if err != nil {
			msg = parseFailure(err)
		}
		yield(StreamChunk{Message: msg}, nil)
	})
}

// convertMessagesToGeminiContent converts our internal message format to
// Gemini's. System text is returned separately; consecutive messages of the
// same role are merged because Gemini expects turns to alternate.
func convertMessagesToGeminiContent(messages []session.Message) ([]*genai.Content, string) {
	var contents []*genai.Content
	var system []string
	callNames := map[string]string{}

	appendParts := func(role string, parts ...genai.Part) {
		if len(parts) == 0 {
			return
		}
		if n := len(contents); n > 0 && contents[n-1].Role == role {
			contents[n-1].Parts = append(contents[n-1].Parts, parts...)
			return
		}
		contents = append(contents, &genai.Content{Role: role, Parts: parts})
	}

	for _, msg := range messages {
		switch msg.Role {
		case session.RoleSystem:
			if text := msg.Text(); text != "" {
				system = append(system, text)
			}
		case session.RoleAssistant:
			var parts []genai.Part
			if text := msg.Text(); text != "" {
				parts = append(parts, genai.Text(text))
			}
			for _, tc := range msg.ToolCalls {
				callNames[tc.ToolCallID] = tc.Name
				parts = append(parts, genai.FunctionCall{Name: tc.Name, Args: tc.Args})
			}
			appendParts("model", parts...)
		case session.RoleTool:
			name := msg.Name
			if name == "" {
				name = callNames[msg.ToolCallID]
			}
			appendParts("user", genai.FunctionResponse{Name: name, Response: toolResponse(msg.Text())})
		default:
			appendParts("user", geminiUserParts(msg)...)
		}
	}
	return contents, strings.Join(system, "\n")
}

// toolResponse wraps a tool result so it is always a JSON object.
func toolResponse(text string) map[string]any {
	var obj map[string]any
	if err := json.Unmarshal([]byte(text), &obj); err == nil && obj != nil {
		return obj
	}
	return map[string]any{"result": text}
}

func geminiUserParts(msg session.Message) []genai.Part {
	if len(msg.Parts) == 0 {
		if msg.Content == "" {
			return nil
		}
		return []genai.Part{genai.Text(msg.Content)}
	}
	var parts []genai.Part
	for _, p := range msg.Parts {
		switch {
		case p.Type == session.PartImage && p.ImageURL != nil:
			mediaType, data, err := session.ParseDataURL(p.ImageURL.URL)
			if err != nil {
				logrus.WithError(err).Warn("dropping image part that is not an inline data URL")
				continue
			}
			raw, err := base64.StdEncoding.DecodeString(data)
			if err != nil {
				logrus.WithError(err).Warn("dropping image part with a malformed payload")
				continue
			}
			parts = append(parts, genai.Blob{MIMEType: mediaType, Data: raw})
		case p.Type == session.PartText && p.Text != "":
			parts = append(parts, genai.Text(p.Text))
		}
	}
	return parts
}

// convertToolsToGeminiTools converts our Tool interface to Gemini's FunctionDeclaration format.
func convertToolsToGeminiTools(ts []tools.Tool) []*genai.Tool {
	if len(ts) == 0 {
		return nil
	}
	funcDecls := make([]*genai.FunctionDeclaration, 0, len(ts))
	for _, tool := range ts {
		funcDecls = append(funcDecls, &genai.FunctionDeclaration{
			Name:        tool.Name(),
			Description: tool.Description(),
			Parameters:  geminiSchema(tool.Schema()),
		})
	}
	return []*genai.Tool{{FunctionDeclarations: funcDecls}}
}

// geminiSchema maps the subset of JSON Schema that Gemini understands.
func geminiSchema(s map[string]any) *genai.Schema {
	if s == nil {
		return &genai.Schema{Type: genai.TypeObject}
	}
	out := &genai.Schema{}
	out.Description, _ = s["description"].(string)
	out.Format, _ = s["format"].(string)
	switch s["type"] {
	case "string":
		out.Type = genai.TypeString
	case "number":
		out.Type = genai.TypeNumber
	case "integer":
		out.Type = genai.TypeInteger
	case "boolean":
		out.Type = genai.TypeBoolean
	case "array":
		out.Type = genai.TypeArray
		items, _ := s["items"].(map[string]any)
		out.Items = geminiSchema(items)
	default:
		out.Type = genai.TypeObject
	}
	if enum, ok := s["enum"].([]any); ok {
		for _, v := range enum {
			out.Enum = append(out.Enum, fmt.Sprint(v))
		}
	}
	if out.Type == genai.TypeObject {
		props, required := tools.SchemaProperties(s)
		if len(props) > 0 {
			out.Properties = make(map[string]*genai.Schema, len(props))
			for name, p := range props {
				ps, _ := p.(map[string]any)
				out.Properties[name] = geminiSchema(ps)
			}
		}
		out.Required = required
	}
	return out
}

// processGeminiResponse converts a Gemini API response into our internal session.Message format.
// Gemini does not identify function calls, so ids are derived from their position.
func processGeminiResponse(resp *genai.GenerateContentResponse) (*session.Message, error) {
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, errors.New("received an empty response from Gemini")
	}

	msg := &session.Message{Role: session.RoleAssistant}
	var responseContent strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		switch v := part.(type) {
		case genai.Text:
			responseContent.WriteString(string(v))
		case genai.FunctionCall:
			args := v.Args
			if args == nil {
				args = map[string]any{}
			}
			msg.ToolCalls = append(msg.ToolCalls, session.ToolCall{
				ToolCallID: fmt.Sprintf("call_%d_%s", len(msg.ToolCalls), v.Name),
				Name:       v.Name,
				Args:       args,
			})
		default:
			return nil, errors.New("unsupported part type in Gemini response: %T", v)
		}
	}
	msg.Content = responseContent.String()
	return msg, nil
}
