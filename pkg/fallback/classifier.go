package fallback

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/steward-ai/steward/pkg/llm"
	"github.com/steward-ai/steward/pkg/retry"
)

// LabelError is raised when a model answers a classification prompt
// with text outside the allowed label set. It is a validation error:
// never retried, surfaced to the caller instead of silently guessing.
type LabelError struct {
	Model   string
	Got     string
	Allowed []string
}

func (e *LabelError) Error() string {
	return fmt.Sprintf("model %s returned label %q, allowed: %s",
		e.Model, e.Got, strings.Join(e.Allowed, ", "))
}

// Classifier answers constrained-label questions. It retries a cheap
// low-latency model first and only escalates to the full-capability
// model once those retries are exhausted. The full model's answer is
// held to the same label set — a mismatch is a hard error.
type Classifier struct {
	client     llm.Chatter
	cheapModel string
	fullModel  string
	retryOpts  retry.Options
	logger     *slog.Logger
}

// NewClassifier builds a classifier over the given chat client.
func NewClassifier(client llm.Chatter, cheapModel, fullModel string, retryOpts retry.Options, logger *slog.Logger) *Classifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Classifier{
		client:     client,
		cheapModel: cheapModel,
		fullModel:  fullModel,
		retryOpts:  retryOpts,
		logger:     logger,
	}
}

// Classify asks which of labels best matches input. The returned label
// is always a member of labels.
func (c *Classifier) Classify(ctx context.Context, input string, labels []string) (string, error) {
	if len(labels) == 0 {
		return "", fmt.Errorf("classify: no labels supplied")
	}

	prompt := classificationPrompt(input, labels)

	primary := func(ctx context.Context) (string, error) {
		return retry.Do(ctx, func(ctx context.Context) (string, error) {
			return c.ask(ctx, c.cheapModel, prompt, labels)
		}, c.retryOpts)
	}

	escalate := func(ctx context.Context) (string, error) {
		c.logger.Info("classifier escalating to full model",
			"cheap_model", c.cheapModel, "full_model", c.fullModel)
		return c.ask(ctx, c.fullModel, prompt, labels)
	}

	return Do(ctx, primary, Options[string]{
		Name:     "classify",
		Fallback: escalate,
		// A LabelError from the full model must reach the caller; the
		// cheap model's transport error would mask it.
		ReturnFallbackError: true,
		Logger:              c.logger,
	})
}

func (c *Classifier) ask(ctx context.Context, model, prompt string, labels []string) (string, error) {
	resp, err := c.client.Chat(ctx, llm.ChatRequest{
		Model: model,
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: prompt},
		},
		Temperature: 0,
		MaxTokens:   16,
	})
	if err != nil {
		return "", err
	}

	got := strings.ToLower(strings.TrimSpace(resp.Message.Content))
	for _, l := range labels {
		if got == strings.ToLower(l) {
			return l, nil
		}
	}
	return "", &LabelError{Model: model, Got: resp.Message.Content, Allowed: labels}
}

func classificationPrompt(input string, labels []string) string {
	return fmt.Sprintf(
		"Classify the following input into exactly one category.\n"+
			"Categories: %s\n"+
			"Respond with only the category name, nothing else.\n\n"+
			"Input: %s",
		strings.Join(labels, ", "), input)
}
