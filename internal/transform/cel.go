package transform

import (
	"context"
	"fmt"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/traits"
	"github.com/google/cel-go/ext"

	"github.com/orgloop/orgloop/internal/connector"
	"github.com/orgloop/orgloop/internal/event"
)

const defaultCELTimeout = 5 * time.Second

// CEL evaluates a CEL expression against the event. A boolean result
// keeps (true) or drops (false) the event; a map result replaces the
// payload. The expression sees id, source, type, timestamp, provenance
// and payload as top-level variables.
type CEL struct {
	program cel.Program
	expr    string
	timeout time.Duration
}

// Init compiles the expression.
//
//	config:
//	  expression: payload.action == "merged" && provenance.author_type != "bot"
//	  timeout: 5s
func (c *CEL) Init(cfg connector.Config) error {
	expr, err := cfg.String("expression")
	if err != nil {
		return fmt.Errorf("cel: %w", err)
	}

	env, err := cel.NewEnv(
		cel.Variable("id", cel.StringType),
		cel.Variable("source", cel.StringType),
		cel.Variable("type", cel.StringType),
		cel.Variable("timestamp", cel.StringType),
		cel.Variable("provenance", cel.DynType),
		cel.Variable("payload", cel.DynType),
		ext.Strings(),
		ext.Encoders(),
		ext.Math(),
	)
	if err != nil {
		return fmt.Errorf("cel: env: %w", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return fmt.Errorf("cel: compile: %w", issues.Err())
	}
	prg, err := env.Program(ast)
	if err != nil {
		return fmt.Errorf("cel: program: %w", err)
	}

	c.program = prg
	c.expr = expr
	c.timeout = cfg.OptDuration("timeout", defaultCELTimeout)
	return nil
}

// Execute evaluates the expression with a timeout.
func (c *CEL) Execute(ctx context.Context, ev *event.Event, _ *connector.TransformContext) (*event.Event, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	activation := map[string]any{
		"id":        ev.ID,
		"source":    ev.Source,
		"type":      string(ev.Type),
		"timestamp": ev.Timestamp.Format(time.RFC3339),
		"provenance": func() map[string]any {
			if ev.Provenance != nil {
				return ev.Provenance
			}
			return map[string]any{}
		}(),
		"payload": func() map[string]any {
			if ev.Payload != nil {
				return ev.Payload
			}
			return map[string]any{}
		}(),
	}

	type result struct {
		val any
		err error
	}
	resCh := make(chan result, 1)
	go func() {
		out, _, err := c.program.Eval(activation)
		if err != nil {
			resCh <- result{err: err}
			return
		}
		resCh <- result{val: toNative(out)}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("cel: %w", ctx.Err())
	case res := <-resCh:
		if res.err != nil {
			return nil, fmt.Errorf("cel: eval: %w", res.err)
		}
		switch v := res.val.(type) {
		case bool:
			if !v {
				return nil, nil
			}
			return ev, nil
		case map[string]any:
			ev.Payload = v
			return ev, nil
		default:
			return nil, fmt.Errorf("cel: expression produced %T, want bool or map", res.val)
		}
	}
}

// toNative recursively converts CEL ref.Val types to native Go values.
func toNative(val any) any {
	switch v := val.(type) {
	case traits.Mapper:
		it := v.Iterator()
		m := make(map[string]any)
		for it.HasNext() == types.True {
			key := it.Next()
			m[fmt.Sprint(key.Value())] = toNative(v.Get(key))
		}
		return m
	case traits.Lister:
		it := v.Iterator()
		var list []any
		for it.HasNext() == types.True {
			list = append(list, toNative(it.Next()))
		}
		return list
	case types.Int:
		return int64(v)
	case types.Double:
		return float64(v)
	case types.String:
		return string(v)
	case types.Bool:
		return bool(v)
	default:
		if rv, ok := val.(interface{ Value() any }); ok {
			return rv.Value()
		}
		return val
	}
}

// Shutdown is a no-op.
func (c *CEL) Shutdown(context.Context) error { return nil }
