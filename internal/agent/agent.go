// Package agent runs a chat-completions tool loop until the model returns a
// structured result through the output tool.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	openai "github.com/openai/openai-go/v3"
	"github.com/tidwall/gjson"
)

// OutputToolName is the tool the model calls to hand in its result.
const OutputToolName = "final_result"

var (
	ErrMaxIterations = errors.New("max iterations reached")
	ErrOutputRetries = errors.New("output validation retries exhausted")
	ErrNoChoices     = errors.New("model returned no choices")
)

// Result is what a tool hands back to the model.
type Result struct {
	Text string
	// ImageURL, when set, is sent to the model as an image in a follow-up
	// user message. Tool messages cannot carry images.
	ImageURL string
}

// Tool is a function the model may call.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any
	Run         func(ctx context.Context, args []byte) (Result, error)
}

// Options controls one Agent.
type Options struct {
	Model         string
	MaxIterations int
	// OutputRetries is how many rejected outputs are tolerated before Run
	// gives up.
	OutputRetries int
	OutputSchema  map[string]any
	// Validate checks the raw JSON handed to the output tool.
	Validate func(raw []byte) error
	Logger   *slog.Logger
}

// Agent drives the model through tool calls to a validated output.
type Agent struct {
	client openai.Client
	tools  map[string]Tool
	order  []string
	params []openai.ChatCompletionToolUnionParam
	opts   Options
	log    *slog.Logger
}

// New returns an Agent that offers tools plus the output tool.
func New(client openai.Client, tools []Tool, opts Options) *Agent {
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = 30
	}
	if opts.Validate == nil {
		opts.Validate = func([]byte) error { return nil }
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	a := &Agent{client: client, tools: make(map[string]Tool, len(tools)), opts: opts, log: logger}
	for _, t := range tools {
		a.tools[t.Name] = t
		a.order = append(a.order, t.Name)
		a.params = append(a.params, functionTool(t.Name, t.Description, t.Parameters))
	}
	a.params = append(a.params, functionTool(OutputToolName, "The final response which ends this conversation", opts.OutputSchema))
	return a
}

func functionTool(name, description string, parameters map[string]any) openai.ChatCompletionToolUnionParam {
	def := openai.FunctionDefinitionParam{Name: name, Parameters: parameters}
	if description != "" {
		def.Description = openai.String(description)
	}
	return openai.ChatCompletionFunctionTool(def)
}

// Run converses with the model starting from the system and user prompts
// and returns the first output that passes validation.
func (a *Agent) Run(ctx context.Context, system, user string) ([]byte, error) {
	messages := []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(system),
		openai.UserMessage(user),
	}
	rejected := 0
	reject := func(err error) error {
		rejected++
		if rejected > a.opts.OutputRetries {
			return fmt.Errorf("%w: %v", ErrOutputRetries, err)
		}
		a.log.Info("agent.output_rejected", "attempt", rejected, "error", err)
		return nil
	}

	for iteration := 0; ; iteration++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if iteration >= a.opts.MaxIterations {
			return nil, ErrMaxIterations
		}

		resp, err := a.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
			Model:      openai.ChatModel(a.opts.Model),
			Messages:   messages,
			Tools:      a.params,
			ToolChoice: openai.ChatCompletionToolChoiceOptionUnionParam{OfAuto: openai.String("required")},
		})
		if err != nil {
			return nil, err
		}
		if len(resp.Choices) == 0 {
			return nil, ErrNoChoices
		}
		msg := resp.Choices[0].Message
		messages = append(messages, msg.ToParam())

		if len(msg.ToolCalls) == 0 {
			raw, ok := extractJSON(msg.Content)
			if ok {
				err = a.opts.Validate(raw)
				if err == nil {
					a.log.Debug("agent.output", "iteration", iteration, "via", "text")
					return raw, nil
				}
			} else {
				err = errors.New("no tool call and no JSON object in the reply")
			}
			if rerr := reject(err); rerr != nil {
				return nil, rerr
			}
			messages = append(messages, openai.UserMessage(fmt.Sprintf(
				"Your reply was not accepted: %v. Call the %s tool with the complete result.", err, OutputToolName)))
			continue
		}

		var (
			output []byte
			images []openai.ChatCompletionContentPartUnionParam
		)
		for _, call := range msg.ToolCalls {
			name := call.Function.Name
			args := []byte(call.Function.Arguments)
			a.log.Debug("agent.tool_call", "iteration", iteration, "tool", name, "call_id", call.ID)

			if name == OutputToolName {
				if output != nil {
					messages = append(messages, openai.ToolMessage("Result already accepted.", call.ID))
					continue
				}
				if err := a.opts.Validate(args); err != nil {
					if rerr := reject(err); rerr != nil {
						return nil, rerr
					}
					messages = append(messages, openai.ToolMessage(fmt.Sprintf(
						"Validation failed: %v. Fix the errors and call %s again.", err, OutputToolName), call.ID))
					continue
				}
				output = args
				messages = append(messages, openai.ToolMessage("Final result processed.", call.ID))
				continue
			}

			res, err := a.call(ctx, name, args)
			if err != nil {
				a.log.Info("agent.tool_error", "tool", name, "error", err)
				messages = append(messages, openai.ToolMessage(fmt.Sprintf("Tool execution failed: %v", err), call.ID))
				continue
			}
			messages = append(messages, openai.ToolMessage(res.Text, call.ID))
			if res.ImageURL != "" {
				images = append(images,
					openai.TextContentPart(res.Text),
					openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{URL: res.ImageURL}),
				)
			}
		}
		if output != nil {
			a.log.Debug("agent.output", "iteration", iteration, "via", OutputToolName)
			return output, nil
		}
		if len(images) > 0 {
			messages = append(messages, openai.UserMessage(images))
		}
	}
}

func (a *Agent) call(ctx context.Context, name string, args []byte) (Result, error) {
	tool, ok := a.tools[name]
	if !ok {
		return Result{}, fmt.Errorf("unknown tool %q, available tools: %s", name, strings.Join(a.order, ", ")+", "+OutputToolName)
	}
	if len(strings.TrimSpace(string(args))) == 0 {
		args = []byte("{}")
	}
	if !gjson.ValidBytes(args) {
		return Result{}, fmt.Errorf("arguments for %s are not valid JSON", name)
	}
	return tool.Run(ctx, args)
}

// extractJSON finds a JSON object in free text, optionally inside a
// Markdown code fence.
func extractJSON(text string) ([]byte, bool) {
	text = strings.TrimSpace(text)
	if start := strings.Index(text, "```"); start >= 0 {
		body := text[start+3:]
		if nl := strings.IndexByte(body, '\n'); nl >= 0 {
			body = body[nl+1:]
		}
		if end := strings.Index(body, "```"); end >= 0 {
			text = strings.TrimSpace(body[:end])
		}
	}
	first := strings.IndexByte(text, '{')
	last := strings.LastIndexByte(text, '}')
	if first < 0 || last < first {
		return nil, false
	}
	candidate := text[first : last+1]
	if !gjson.Valid(candidate) {
		return nil, false
	}
	return []byte(candidate), true
}
