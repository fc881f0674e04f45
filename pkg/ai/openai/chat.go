package openai

import (
	"context"
	"fmt"
	"time"

	"github.com/cartahq/carta/backend/pkg/ai"

	"github.com/openai/openai-go/v3"
)

// GenerateCompletionWithFormat sends a prompt to the chat model and
// attempts to unmarshal the response into the provided output struct,
// using a JSON schema to enforce structure.
//
// This is used for structured extraction (categories, fields, quotes)
// where free-form text answers are not acceptable.
//
// Example:
//
//	var out ExtractionResult
//	err := client.GenerateCompletionWithFormat(ctx, "extraction", "career facts", prompt, &out)
//	if err != nil {
//		log.Fatal(err)
//	}
func (c *CareerOpenAIClient) GenerateCompletionWithFormat(
	ctx context.Context,
	name string,
	description string,
	prompt string,
	out any,
	opts ...ai.GenerateOption,
) error {
	schema := ai.GenerateSchema(out)
	schemaParam := openai.ResponseFormatJSONSchemaJSONSchemaParam{
		Name:        name,
		Description: openai.String(description),
		Schema:      schema,
		Strict:      openai.Bool(true),
	}

	options := ai.GenerateOptions{
		Model:       c.extractionModel,
		Temperature: 0.1,
	}
	for _, o := range opts {
		o(&options)
	}

	msgs := []openai.ChatCompletionMessageParamUnion{}
	if len(options.SystemPrompts) > 0 {
		for _, sp := range options.SystemPrompts {
			msgs = append(msgs, openai.SystemMessage(sp))
		}
	}

	msgs = append(msgs, openai.UserMessage(prompt))

	body := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(options.Model),
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &openai.ResponseFormatJSONSchemaParam{
				JSONSchema: schemaParam,
			},
		},
		Messages:    msgs,
		Temperature: openai.Float(options.Temperature),
	}

	start := time.Now()
	response, err := c.ChatClient.Chat.Completions.New(ctx, body)
	if err != nil {
		return err
	}
	duration := time.Since(start).Milliseconds()

	metrics := ai.ModelMetrics{
		InputTokens:  int(response.Usage.PromptTokens),
		OutputTokens: int(response.Usage.CompletionTokens),
		TotalTokens:  int(response.Usage.TotalTokens),
		DurationMs:   duration,
	}
	c.modifyMetrics(metrics)

	if len(response.Choices) == 0 {
		return fmt.Errorf("no choices in response from model")
	}
	message := response.Choices[0].Message.Content
	if message == "" {
		return fmt.Errorf("empty response from model (finish_reason: %s)", response.Choices[0].FinishReason)
	}
	return ai.UnmarshalFlexible(message, out)
}
