package filter

import (
	"context"
	"fmt"
	"reflect"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/ext"
	"github.com/knowd/knowd/internal/gmail"
)

const defaultTimeout = 5 * time.Second

// Option configures a Filter.
type Option func(*Filter)

// WithTimeout sets the maximum evaluation time for a single message.
func WithTimeout(d time.Duration) Option {
	return func(f *Filter) {
		f.timeout = d
	}
}

// Filter evaluates a CEL predicate against parsed mail messages. Messages
// for which the expression is true are kept.
type Filter struct {
	program cel.Program
	timeout time.Duration
}

// New compiles a CEL predicate. The expression sees the message fields as
// top-level variables: id, thread, subject, from, to, labels, snippet, text.
// For example: from.contains("@example.com") && labels.exists(l, l == "UNREAD").
func New(expression string, opts ...Option) (*Filter, error) {
	env, err := cel.NewEnv(
		cel.Variable("id", cel.StringType),
		cel.Variable("thread", cel.StringType),
		cel.Variable("subject", cel.StringType),
		cel.Variable("from", cel.StringType),
		cel.Variable("to", cel.StringType),
		cel.Variable("labels", cel.ListType(cel.StringType)),
		cel.Variable("snippet", cel.StringType),
		cel.Variable("text", cel.StringType),
		ext.Strings(),
	)
	if err != nil {
		return nil, fmt.Errorf("cel env: %w", err)
	}

	ast, issues := env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("cel compile: %w", issues.Err())
	}
	if !reflect.DeepEqual(ast.OutputType(), cel.BoolType) {
		return nil, fmt.Errorf("filter expression must evaluate to bool, got %s", ast.OutputType())
	}

	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("cel program: %w", err)
	}

	f := &Filter{program: prg, timeout: defaultTimeout}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Match reports whether the message satisfies the predicate.
func (f *Filter) Match(ctx context.Context, msg *gmail.ParsedMessage) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	labels := make([]string, len(msg.Labels))
	copy(labels, msg.Labels)

	activation := map[string]any{
		"id":      msg.ID,
		"thread":  msg.ThreadID,
		"subject": msg.Subject,
		"from":    msg.From,
		"to":      msg.To,
		"labels":  labels,
		"snippet": msg.Snippet,
		"text":    msg.Text,
	}

	out, _, err := f.program.ContextEval(ctx, activation)
	if err != nil {
		return false, fmt.Errorf("cel eval: %w", err)
	}
	b, ok := out.(types.Bool)
	if !ok {
		return false, fmt.Errorf("filter returned %T, want bool", out.Value())
	}
	return bool(b), nil
}
