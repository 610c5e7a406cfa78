package flow

import (
	"context"

	"github.com/openai/openai-go"
)

// scriptedClient is a genai.ClientInterface stub returning canned responses
// in order. It records every call for assertions.
type scriptedClient struct {
	responses []string
	errs      []error
	calls     int
}

func (c *scriptedClient) next() (string, error) {
	idx := c.calls
	c.calls++
	var err error
	if idx < len(c.errs) {
		err = c.errs[idx]
	}
	if err != nil {
		return "", err
	}
	if idx < len(c.responses) {
		return c.responses[idx], nil
	}
	return "", nil
}

func (c *scriptedClient) GenerateWithMessages(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion, model string) (string, error) {
	return c.next()
}

func (c *scriptedClient) GenerateJSON(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion, model string) (string, error) {
	return c.next()
}

func (c *scriptedClient) DefaultModel() string    { return "test/chat-model" }
func (c *scriptedClient) ClassifierModel() string { return "test/classifier-model" }
func (c *scriptedClient) SummaryModel() string    { return "test/summary-model" }
