package provider

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"

	"github.com/googleapis/gax-go/v2/apierror"
	"google.golang.org/genai"
)

var _ Provider = (*Gemini)(nil)

// Gemini streams completions from the Google Gemini API.
type Gemini struct {
	Client *genai.Client `json:"-"`

	// Model should not start with "models/"
	Model  string  `json:"model"`
	Params *Params `json:"params,omitzero"`
}

func (g *Gemini) Name() string { return "gemini" }

func (g *Gemini) StreamCompletion(ctx context.Context, req Request) (Stream, error) {
	cfg, contents, err := g.convRequest(req)
	if err != nil {
		return nil, err
	}
	sb := NewStreamBuilder(32)
	go func() {
		if err := geminiPull(sb, g.Client.Models.GenerateContentStream(ctx, g.Model, contents, cfg)); err != nil {
			sb.Abort(err)
		}
	}()
	return sb.Stream(), nil
}

func (g *Gemini) convRequest(req Request) (*genai.GenerateContentConfig, []*genai.Content, error) {
	cfg := &genai.GenerateContentConfig{}
	if req.System != "" {
		cfg.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{genai.NewPartFromText(req.System)},
		}
	}
	mp := req.Params
	if mp == nil {
		mp = g.Params
	}
	if mp != nil {
		cfg.MaxOutputTokens = int32(mp.MaxTokens)
		if mp.Temperature > 0 {
			cfg.Temperature = &mp.Temperature
		}
		if mp.TopP > 0 {
			cfg.TopP = &mp.TopP
		}
	}

	// Gemini wants alternating user/model turns. Consecutive messages with
	// the same role merge into one content block.
	var contents []*genai.Content
	for _, m := range req.Messages {
		var role string
		switch m.Role {
		case RoleUser, RoleSystem:
			role = genai.RoleUser
		case RoleAssistant:
			role = genai.RoleModel
		default:
			return nil, nil, fmt.Errorf("unexpected role: %s", m.Role)
		}
		part := genai.NewPartFromText(m.Content)
		if n := len(contents); n > 0 && contents[n-1].Role == role {
			contents[n-1].Parts = append(contents[n-1].Parts, part)
			continue
		}
		contents = append(contents, &genai.Content{Role: role, Parts: []*genai.Part{part}})
	}
	if len(contents) == 0 {
		return nil, nil, fmt.Errorf("no contents")
	}
	return cfg, contents, nil
}

func geminiPull(sb *StreamBuilder, itr iter.Seq2[*genai.GenerateContentResponse, error]) error {
	var selIdx int32
	for chunk, err := range itr {
		if err != nil {
			if e, ok := err.(*apierror.APIError); ok {
				err = e.Unwrap()
			}
			return err
		}
		if len(chunk.Candidates) == 0 {
			continue
		}
		var sel *genai.Candidate
		if selIdx == 0 {
			selIdx = chunk.Candidates[0].Index
			sel = chunk.Candidates[0]
		} else {
			for _, c := range chunk.Candidates {
				if c.Index == selIdx {
					sel = c
					break
				}
			}
			if sel == nil {
				continue
			}
		}

		if sel.Content != nil {
			var text strings.Builder
			for _, p := range sel.Content.Parts {
				if p.Text != "" {
					text.WriteString(p.Text)
				}
			}
			if text.Len() > 0 {
				if err := sb.Add(text.String()); err != nil {
					return err
				}
			}
		}

		switch sel.FinishReason {
		default:
			return sb.Unexpected(
				geminiConvUsage(chunk.UsageMetadata),
				fmt.Errorf("unexpected finish reason: %s", sel.FinishReason),
			)
		case genai.FinishReasonUnspecified, "":
			// continue
		case genai.FinishReasonStop:
			return sb.Done(geminiConvUsage(chunk.UsageMetadata))
		case genai.FinishReasonMaxTokens:
			return sb.Truncated(geminiConvUsage(chunk.UsageMetadata))
		case genai.FinishReasonSafety:
			var cats []string
			for _, sr := range sel.SafetyRatings {
				if sr.Blocked {
					cats = append(cats, string(sr.Category))
				}
			}
			return sb.Blocked(
				geminiConvUsage(chunk.UsageMetadata),
				"blocked by "+strings.Join(cats, ", "),
			)
		}
	}
	return errors.New("unexpected end of stream: no finish reason")
}

func geminiConvUsage(usage *genai.GenerateContentResponseUsageMetadata) Usage {
	if usage == nil {
		return Usage{}
	}
	return Usage{
		PromptTokenCount:        int64(usage.PromptTokenCount),
		CachedContentTokenCount: int64(usage.CachedContentTokenCount),
		GeneratedTokenCount:     int64(usage.CandidatesTokenCount),
	}
}
