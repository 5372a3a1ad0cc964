package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"os"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/m4xw311/aichat/config"
	"github.com/m4xw311/aichat/errors"
	"github.com/m4xw311/aichat/session"
	"github.com/m4xw311/aichat/tools"
	"github.com/sirupsen/logrus"
)

const bedrockAnthropicVersion = "bedrock-2023-05-31"

// BedrockLLMClient is a client for the Anthropic models on AWS Bedrock.
type BedrockLLMClient struct {
	client    *bedrockruntime.Client
	modelID   string
	region    string
	maxTokens int64
	audit     AuditLogger
}

// NewBedrockLLMClient creates a new BedrockLLMClient.
// It requires AWS credentials to be configured in the environment.
func NewBedrockLLMClient(ctx context.Context, p config.Provider, audit AuditLogger) (*BedrockLLMClient, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if p.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(p.Region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load AWS config")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	var clientOpts []func(*bedrockruntime.Options)
	// A custom endpoint is useful for testing.
	endpoint := p.BaseURL
	if endpoint == "" {
		endpoint = os.Getenv("BEDROCK_ENDPOINT_URL")
	}
	if endpoint != "" {
		clientOpts = append(clientOpts, func(o *bedrockruntime.Options) {
			o.BaseEndpoint = aws.String(endpoint)
		})
	}

	return &BedrockLLMClient{
		client:    bedrockruntime.NewFromConfig(cfg, clientOpts...),
		modelID:   p.Model,
		region:    cfg.Region,
		maxTokens: p.MaxTokens,
		audit:     audit,
	}, nil
}

func (b *BedrockLLMClient) Name() string { return "bedrock" }

func (b *BedrockLLMClient) exchange(method, action string, body []byte) exchange {
	return exchange{
		provider: b.Name(),
		method:   method,
		url:      fmt.Sprintf("https://bedrock-runtime.%s.amazonaws.com/model/%s/%s", b.region, b.modelID, action),
		request:  json.RawMessage(body),
	}
}

// Chat sends a chat request to the Anthropic model via AWS Bedrock.
func (b *BedrockLLMClient) Chat(ctx context.Context, messages []session.Message, availableTools []tools.Tool) (*session.Message, error) {
	requestBody, err := createAnthropicRequest(newAnthropicParams(b.modelID, maxTokensFor(ctx, b.maxTokens), messages, availableTools))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create Anthropic request")
	}
	ex := b.exchange("InvokeModel", "invoke", requestBody)

	resp, err := b.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(b.modelID),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        requestBody,
	})
	if err != nil {
		ex.record(ctx, b.audit, nil, err, nil)
		return nil, errors.Wrapf(err, "failed to invoke Bedrock model")
	}

	msg, err := processBedrockResponse(resp.Body)
	ex.record(ctx, b.audit, resp.Body, nil, err)
	if err != nil {
		logrus.WithError(err).Warn("could not parse Bedrock response")
		return parseFailure(err), nil
	}
	return msg, nil
}

// ChatStream reads the Anthropic event stream that Bedrock relays in chunks.
func (b *BedrockLLMClient) ChatStream(ctx context.Context, messages []session.Message, availableTools []tools.Tool) iter.Seq2[StreamChunk, error] {
	return singleUse(func(yield func(StreamChunk, error) bool) {
		requestBody, err := createAnthropicRequest(newAnthropicParams(b.modelID, maxTokensFor(ctx, b.maxTokens), messages, availableTools))
		if err != nil {
			yield(StreamChunk{}, errors.Wrapf(err, "failed to create Anthropic request"))
			return
		}
		ex := b.exchange("InvokeModelWithResponseStream", "invoke-with-response-stream", requestBody)

		out, err := b.client.InvokeModelWithResponseStream(ctx, &bedrockruntime.InvokeModelWithResponseStreamInput{
			ModelId:     aws.String(b.modelID),
			ContentType: aws.String("application/json"),
			Body:        requestBody,
		})
		if err != nil {
			ex.record(ctx, b.audit, nil, err, nil)
			yield(StreamChunk{}, errors.Wrapf(err, "failed to invoke Bedrock model"))
			return
		}
		stream := out.GetStream()
		defer stream.Close()

		var reply anthropic.Message
		var parseErr error
		for event := range stream.Events() {
			chunk, ok := event.(*types.ResponseStreamMemberChunk)
			if !ok {
				continue
			}
			var ev anthropic.MessageStreamEventUnion
			if err := json.Unmarshal(chunk.Value.Bytes, &ev); err != nil {
				if parseErr == nil {
					parseErr = errors.Wrapf(err, "failed to decode Bedrock stream event")
				}
				continue
			}
			if err := reply.Accumulate(ev); err != nil && parseErr == nil {
				parseErr = errors.Wrapf(err, "failed to accumulate stream events")
			}
			delta, ok := ev.AsAny().(anthropic.ContentBlockDeltaEvent)
			if !ok {
				continue
			}
			if text, ok := delta.Delta.AsAny().(anthropic.TextDelta); ok && text.Text != "" {
				if !yield(StreamChunk{Delta: text.Text}, nil) {
					ex.record(ctx, b.audit, nil, errors.New("stream closed by caller"), nil)
					return
				}
			}
		}
		if err := stream.Err(); err != nil {
			ex.record(ctx, b.audit, nil, err, nil)
			yield(StreamChunk{}, errors.Wrapf(err, "failed to stream from Bedrock"))
			return
		}

		body, _ := json.Marshal(reply)
		msg, err := processAnthropicResponse(&reply)
		if parseErr != nil {
			msg, err = nil, parseErr
		}
		ex.record(ctx, b.audit, body, nil, err)
		if err != nil {
			msg = parseFailure(err)
		}
		yield(StreamChunk{Message: msg}, nil)
	})
}

// createAnthropicRequest turns Anthropic message params into the body Bedrock
// expects: no model field and an explicit anthropic_version.
func createAnthropicRequest(params anthropic.MessageNewParams) ([]byte, error) {
	data, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	var request map[string]interface{}
	if err := json.Unmarshal(data, &request); err != nil {
		return nil, err
	}
	delete(request, "model")
	delete(request, "stream")
	request["anthropic_version"] = bedrockAnthropicVersion
	return json.Marshal(request)
}

// processBedrockResponse converts a Bedrock API response into our internal session.Message format.
func processBedrockResponse(body []byte) (*session.Message, error) {
	var peek struct {
		Type    string          `json:"type"`
		Error   json.RawMessage `json:"error"`
		Message string          `json:"message"`
	}
	if err := json.Unmarshal(body, &peek); err != nil {
		return nil, errors.Wrapf(err, "failed to unmarshal Bedrock response")
	}
	if len(peek.Error) > 0 || peek.Type == "error" {
		return nil, errors.New("Bedrock API error: %s", string(peek.Error))
	}

	var resp anthropic.Message
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, errors.Wrapf(err, "failed to unmarshal Bedrock response")
	}
	return processAnthropicResponse(&resp)
}
