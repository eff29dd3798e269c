package screening

import (
	"context"
	"errors"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
)

type bedrockConverseAPI interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// BedrockAnalyzer implements Analyzer with the Bedrock Converse API.
type BedrockAnalyzer struct {
	api     bedrockConverseAPI
	modelID string
}

func NewBedrockAnalyzer(api bedrockConverseAPI, modelID string) *BedrockAnalyzer {
	if api == nil {
		panic("screening: bedrock converse client cannot be nil")
	}
	return &BedrockAnalyzer{api: api, modelID: modelID}
}

func (a *BedrockAnalyzer) Analyze(ctx context.Context, prompt Prompt) (string, error) {
	modelID := a.modelID
	if strings.TrimSpace(prompt.Model) != "" {
		modelID = prompt.Model
	}
	if strings.TrimSpace(modelID) == "" {
		return "", errors.New("screening: bedrock model id is required")
	}

	content := []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: prompt.User}}
	for _, img := range prompt.Images {
		if len(img.Data) == 0 {
			continue
		}
		content = append(content, &brtypes.ContentBlockMemberImage{Value: brtypes.ImageBlock{
			Format: brtypes.ImageFormat(imageFormat(img.MIMEType)),
			Source: &brtypes.ImageSourceMemberBytes{Value: img.Data},
		}})
	}

	input := &bedrockruntime.ConverseInput{
		ModelId: aws.String(modelID),
		Messages: []brtypes.Message{{
			Role:    brtypes.ConversationRoleUser,
			Content: content,
		}},
	}
	if strings.TrimSpace(prompt.System) != "" {
		input.System = []brtypes.SystemContentBlock{&brtypes.SystemContentBlockMemberText{Value: prompt.System}}
	}
	inference := &brtypes.InferenceConfiguration{}
	if prompt.MaxTokens > 0 {
		inference.MaxTokens = aws.Int32(prompt.MaxTokens)
	}
	if prompt.Temperature >= 0 {
		inference.Temperature = aws.Float32(prompt.Temperature)
	}
	input.InferenceConfig = inference

	out, err := a.api.Converse(ctx, input)
	if err != nil {
		return "", err
	}
	msg, ok := out.Output.(*brtypes.ConverseOutputMemberMessage)
	if !ok {
		return "", errors.New("screening: bedrock returned no message")
	}
	var text strings.Builder
	for _, block := range msg.Value.Content {
		if t, ok := block.(*brtypes.ContentBlockMemberText); ok {
			text.WriteString(t.Value)
		}
	}
	if strings.TrimSpace(text.String()) == "" {
		return "", ErrEmptyOutput
	}
	return strings.TrimSpace(text.String()), nil
}
