package screening

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// GeminiAnalyzer implements Analyzer using Google's Gemini API.
type GeminiAnalyzer struct {
	client  *genai.Client
	modelID string
}

// NewGeminiAnalyzer creates a new Gemini analyzer.
func NewGeminiAnalyzer(ctx context.Context, apiKey, modelID string) (*GeminiAnalyzer, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("screening: gemini api key is required")
	}
	if strings.TrimSpace(modelID) == "" {
		modelID = "gemini-2.5-flash"
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("screening: failed to create gemini client: %w", err)
	}
	return &GeminiAnalyzer{client: client, modelID: modelID}, nil
}

// Analyze sends the prompt and images in one request.
func (a *GeminiAnalyzer) Analyze(ctx context.Context, prompt Prompt) (string, error) {
	modelID := a.modelID
	if strings.TrimSpace(prompt.Model) != "" {
		modelID = prompt.Model
	}
	model := a.client.GenerativeModel(modelID)
	if prompt.Temperature >= 0 {
		model.SetTemperature(prompt.Temperature)
	}
	if prompt.MaxTokens > 0 {
		model.SetMaxOutputTokens(prompt.MaxTokens)
	}
	model.ResponseMIMEType = "application/json"
	if strings.TrimSpace(prompt.System) != "" {
		model.SystemInstruction = genai.NewUserContent(genai.Text(prompt.System))
	}

	resp, err := model.GenerateContent(ctx, geminiParts(prompt)...)
	if err != nil {
		return "", fmt.Errorf("screening: gemini request failed: %w", err)
	}
	if len(resp.Candidates) == 0 {
		return "", errors.New("screening: gemini returned no candidates")
	}
	candidate := resp.Candidates[0]
	if candidate.Content == nil || len(candidate.Content.Parts) == 0 {
		return "", errors.New("screening: gemini returned empty content")
	}
	var out strings.Builder
	for _, part := range candidate.Content.Parts {
		if text, ok := part.(genai.Text); ok {
			out.WriteString(string(text))
		}
	}
	return strings.TrimSpace(out.String()), nil
}

func geminiParts(prompt Prompt) []genai.Part {
	parts := []genai.Part{genai.Text(prompt.User)}
	for _, img := range prompt.Images {
		if len(img.Data) == 0 {
			continue
		}
		parts = append(parts, genai.ImageData(imageFormat(img.MIMEType), img.Data))
	}
	return parts
}

// imageFormat returns the short format name ("jpeg", "png") for a MIME type.
func imageFormat(mime string) string {
	mime = strings.ToLower(strings.TrimSpace(mime))
	switch {
	case strings.HasSuffix(mime, "png"):
		return "png"
	case strings.HasSuffix(mime, "webp"):
		return "webp"
	case strings.HasSuffix(mime, "gif"):
		return "gif"
	default:
		return "jpeg"
	}
}

// Close releases resources held by the Gemini client.
func (a *GeminiAnalyzer) Close() error {
	if a.client != nil {
		return a.client.Close()
	}
	return nil
}
