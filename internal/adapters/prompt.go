package adapters

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/sashabaranov/go-openai"
)

const (
	imageSystemPrompt = "You are an expert at writing prompts for AI image generation. " +
		"Enhance the user's prompt to be more detailed and visually rich. " +
		"Add composition, lighting, color palette and artistic style details. " +
		"Keep it concise but vivid. Output only the enhanced prompt, nothing else."
	videoSystemPrompt = "You are an expert at writing prompts for AI video generation. " +
		"Enhance the user's prompt to be more detailed and cinematic. " +
		"Add camera movements, lighting, atmosphere and motion descriptions. " +
		"Keep it concise but vivid. Output only the enhanced prompt, nothing else."
)

var (
	imageEnhancements = []string{"highly detailed", "cinematic lighting", "sharp focus"}
	videoEnhancements = []string{"smooth camera movement", "professional cinematography", "dynamic lighting"}
	styleHints        = map[string]string{
		"cinematic": "cinematic color grading, dramatic lighting, film grain",
		"anime":     "anime style, vibrant colors, clean lines",
		"realistic": "photorealistic, natural lighting, lifelike details",
		"artistic":  "artistic interpretation, painterly style, creative composition",
		"fantasy":   "fantasy art style, magical atmosphere, ethereal lighting",
	}
)

// PromptEnhancer rewrites prompts with a chat model. Without a client it
// appends fixed enhancement phrases instead.
type PromptEnhancer struct {
	client *openai.Client
	model  string
	log    *slog.Logger
}

// NewPromptEnhancer creates an enhancer. client may be nil.
func NewPromptEnhancer(client *openai.Client, model string, log *slog.Logger) *PromptEnhancer {
	if model == "" {
		model = openai.GPT4oMini
	}
	if log == nil {
		log = slog.Default()
	}
	return &PromptEnhancer{client: client, model: model, log: log}
}

// Enhance returns an improved prompt. kind is "image" or "video"; style is an
// optional style preset.
func (p *PromptEnhancer) Enhance(ctx context.Context, prompt, kind, style string) (string, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return "", fmt.Errorf("prompt is required")
	}
	if p.client == nil {
		return localEnhance(prompt, kind, style), nil
	}

	system := imageSystemPrompt
	if kind == "video" {
		system = videoSystemPrompt
	}
	user := prompt
	if hint, ok := styleHints[style]; ok {
		user = fmt.Sprintf("Style preference: %s\n\nOriginal prompt: %q", hint, prompt)
	}

	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: p.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
		MaxCompletionTokens: 300,
		Temperature:         0.7,
	})
	if err != nil {
		p.log.Warn("prompt enhancement failed, using local fallback", "error", err)
		return localEnhance(prompt, kind, style), nil
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return localEnhance(prompt, kind, style), nil
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

func localEnhance(prompt, kind, style string) string {
	parts := []string{prompt}
	if hint, ok := styleHints[style]; ok {
		parts = append(parts, hint)
	}
	if kind == "video" {
		parts = append(parts, videoEnhancements...)
	} else {
		parts = append(parts, imageEnhancements...)
	}
	return strings.Join(parts, ", ")
}
