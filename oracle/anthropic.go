package oracle

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const answerMaxTokens = 16

// AnthropicMessenger sends comparisons to the Anthropic Messages API
type AnthropicMessenger struct {
	client anthropic.Client
	model  anthropic.Model
}

// NewAnthropicMessenger creates a messenger for model using apiKey
func NewAnthropicMessenger(apiKey, model string, opts ...option.RequestOption) (*AnthropicMessenger, error) {
	if apiKey == "" {
		return nil, errors.New("anthropic api key is empty")
	}
	opts = append([]option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(2)}, opts...)
	return &AnthropicMessenger{
		client: anthropic.NewClient(opts...),
		model:  anthropic.Model(model),
	}, nil
}

// Compare sends the images followed by the prompt as a single user turn
func (m *AnthropicMessenger) Compare(ctx context.Context, prompt string, images [][]byte) (string, error) {
	blocks := make([]anthropic.ContentBlockParamUnion, 0, len(images)+1)
	for _, img := range images {
		blocks = append(blocks, anthropic.NewImageBlockBase64("image/jpeg", base64.StdEncoding.EncodeToString(img)))
	}
	blocks = append(blocks, anthropic.NewTextBlock(prompt))

	msg, err := m.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     m.model,
		MaxTokens: answerMaxTokens,
		Messages:  []anthropic.MessageParam{anthropic.NewUserMessage(blocks...)},
	})
	if err != nil {
		return "", err
	}

	var out strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			out.WriteString(block.Text)
		}
	}
	return out.String(), nil
}
