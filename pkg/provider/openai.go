package provider

import (
	"context"
	"errors"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/packages/ssestream"
)

var _ Provider = (*OpenAI)(nil)

const (
	oaiFinishReasonStop          string = "stop"
	oaiFinishReasonLength        string = "length"
	oaiFinishReasonContentFilter string = "content_filter"
)

// OpenAI streams completions from the OpenAI chat API or any
// OpenAI-compatible endpoint such as OpenRouter.
type OpenAI struct {
	Client *openai.Client `json:"-"`

	Model  string  `json:"model"`
	Params *Params `json:"params,omitzero"`
}

// NewOpenAI builds a client. baseURL may be empty for the default endpoint.
func NewOpenAI(apiKey, baseURL, model string) *OpenAI {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	client := openai.NewClient(opts...)
	return &OpenAI{Client: &client, Model: model}
}

func (g *OpenAI) Name() string { return "openai" }

func (g *OpenAI) StreamCompletion(ctx context.Context, req Request) (Stream, error) {
	params := openai.ChatCompletionNewParams{
		Messages: g.convMessages(req),
		Model:    g.Model,
	}
	mp := req.Params
	if mp == nil {
		mp = g.Params
	}
	if mp != nil {
		if mp.MaxTokens > 0 {
			params.MaxCompletionTokens = param.NewOpt(int64(mp.MaxTokens))
		}
		if mp.Temperature > 0 {
			params.Temperature = param.NewOpt(float64(mp.Temperature))
		}
		if mp.TopP > 0 {
			params.TopP = param.NewOpt(float64(mp.TopP))
		}
	}

	sb := NewStreamBuilder(32)
	stream := g.Client.Chat.Completions.NewStreaming(ctx, params)
	go func() {
		if err := oaiPull(sb, stream); err != nil {
			sb.Abort(err)
		}
	}()
	return sb.Stream(), nil
}

func (g *OpenAI) convMessages(req Request) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.System != "" {
		out = append(out, openai.SystemMessage(req.System))
	}
	for _, m := range req.Messages {
		switch m.Role {
		case RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case RoleAssistant:
			out = append(out, openai.AssistantMessage(m.Content))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}

func oaiPull(sb *StreamBuilder, stream *ssestream.Stream[openai.ChatCompletionChunk]) error {
	var index int64

	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		var sel *openai.ChatCompletionChunkChoice
		if index == 0 {
			index = chunk.Choices[0].Index
			sel = &chunk.Choices[0]
		} else {
			for _, c := range chunk.Choices {
				if c.Index == index {
					sel = &c
					break
				}
			}
			if sel == nil {
				continue
			}
		}
		if s := sel.Delta.Content; s != "" {
			if err := sb.Add(s); err != nil {
				return err
			}
		}
		switch sel.FinishReason {
		case oaiFinishReasonStop:
			return sb.Done(oaiConvUsage(&chunk.Usage))
		case oaiFinishReasonLength:
			return sb.Truncated(oaiConvUsage(&chunk.Usage))
		case oaiFinishReasonContentFilter:
			return sb.Blocked(oaiConvUsage(&chunk.Usage), sel.Delta.Refusal)
		}
		if s := sel.Delta.Refusal; s != "" {
			return sb.Blocked(oaiConvUsage(&chunk.Usage), s)
		}
	}
	if err := stream.Err(); err != nil {
		return err
	}
	return errors.New("unexpected end of stream: no finish reason")
}

func oaiConvUsage(usage *openai.CompletionUsage) Usage {
	return Usage{
		PromptTokenCount:    usage.PromptTokens,
		GeneratedTokenCount: usage.CompletionTokens,
	}
}
