package chain

import (
	"context"
	"errors"

	"github.com/kiranshivaraju/promptflow/pkg/models"
)

var ErrNoTemplates = errors.New("no prompt templates configured")

// Caller performs one model call. *ai.Adapter implements it.
type Caller interface {
	Call(ctx context.Context, systemPrompt, userMessage string, settings models.Settings) (models.Completion, error)
}

// Result is the outcome of one chain run, before it is bound to its input.
type Result struct {
	Intermediates []string
	FinalOutput   string
	TokenUsage    models.TokenUsage
	Status        string
	Error         string
}

// WithInput attaches the input the chain ran on.
func (r Result) WithInput(input string) models.JobResult {
	return models.JobResult{
		Input:         input,
		Intermediates: r.Intermediates,
		FinalOutput:   r.FinalOutput,
		TokenUsage:    r.TokenUsage,
		Status:        r.Status,
		Error:         r.Error,
	}
}

// Executor runs a job's prompt chain on a single input.
type Executor struct {
	caller Caller
}

func NewExecutor(caller Caller) *Executor {
	return &Executor{caller: caller}
}

// Run executes the templates in order. With one template only {input} is
// substituted. With several, each step also receives the previous step's
// output, starting from the empty string.
//
// Any failure aborts the chain: partial outputs and token counts are
// discarded and an error result is returned. Run never returns a Go error.
func (e *Executor) Run(ctx context.Context, systemPrompt string, templates []string, input string, settings models.Settings) Result {
	if len(templates) == 0 {
		return errorResult(ErrNoTemplates)
	}

	if len(templates) == 1 {
		out, err := e.caller.Call(ctx, systemPrompt, Render(templates[0], input), settings)
		if err != nil {
			return errorResult(err)
		}
		return Result{
			Intermediates: []string{},
			FinalOutput:   out.Output,
			TokenUsage:    out.TokenUsage,
			Status:        models.ResultStatusSuccess,
		}
	}

	outputs := make([]string, 0, len(templates))
	var usage models.TokenUsage
	previous := ""
	for _, tmpl := range templates {
		out, err := e.caller.Call(ctx, systemPrompt, RenderChained(tmpl, input, previous), settings)
		if err != nil {
			return errorResult(err)
		}
		outputs = append(outputs, out.Output)
		usage = usage.Add(out.TokenUsage)
		previous = out.Output
	}

	return Result{
		Intermediates: outputs[:len(outputs)-1],
		FinalOutput:   outputs[len(outputs)-1],
		TokenUsage:    usage,
		Status:        models.ResultStatusSuccess,
	}
}

func errorResult(err error) Result {
	return Result{
		Intermediates: []string{},
		Status:        models.ResultStatusError,
		Error:         err.Error(),
	}
}
