package route

import (
	"fmt"
	"math"
	"regexp"

	"github.com/orgloop/orgloop/internal/dotpath"
)

// Node is one node of a filter predicate tree. A node is either a leaf
// (Key plus exactly one operator) or a combiner (Match and/or Exclude
// children). Keys are dot-paths resolved against the full event, e.g.
// "provenance.platform_event" or "payload.pr_number".
type Node struct {
	Key       string `yaml:"key,omitempty"`
	Equals    any    `yaml:"equals,omitempty"`
	NotEquals any    `yaml:"not_equals,omitempty"`
	In        []any  `yaml:"in,omitempty"`
	Matches   string `yaml:"matches,omitempty"`
	Exists    *bool  `yaml:"exists,omitempty"`

	// Match passes when every child passes; Exclude passes when no
	// child passes.
	Match   []*Node `yaml:"match,omitempty"`
	Exclude []*Node `yaml:"exclude,omitempty"`

	re *regexp.Regexp
}

// Compile validates the node shape and precompiles regex patterns.
func (n *Node) Compile() error {
	leafOps := 0
	if n.Equals != nil {
		leafOps++
	}
	if n.NotEquals != nil {
		leafOps++
	}
	if n.In != nil {
		leafOps++
	}
	if n.Matches != "" {
		leafOps++
	}
	if n.Exists != nil {
		leafOps++
	}

	isLeaf := n.Key != "" || leafOps > 0
	isCombiner := len(n.Match) > 0 || len(n.Exclude) > 0

	switch {
	case isLeaf && isCombiner:
		return fmt.Errorf("node mixes leaf operator and match/exclude children")
	case isLeaf:
		if n.Key == "" {
			return fmt.Errorf("leaf node missing key")
		}
		if leafOps != 1 {
			return fmt.Errorf("key %q: exactly one operator required, got %d", n.Key, leafOps)
		}
		if n.Matches != "" {
			re, err := regexp.Compile(n.Matches)
			if err != nil {
				return fmt.Errorf("key %q: invalid pattern: %w", n.Key, err)
			}
			n.re = re
		}
		return nil
	case isCombiner:
		for _, child := range n.Match {
			if err := child.Compile(); err != nil {
				return err
			}
		}
		for _, child := range n.Exclude {
			if err := child.Compile(); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("empty predicate node")
	}
}

// Eval evaluates the node against the event's map view.
func (n *Node) Eval(data map[string]any) (bool, error) {
	if len(n.Match) > 0 || len(n.Exclude) > 0 {
		for _, child := range n.Match {
			ok, err := child.Eval(data)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		for _, child := range n.Exclude {
			ok, err := child.Eval(data)
			if err != nil {
				return false, err
			}
			if ok {
				return false, nil
			}
		}
		return true, nil
	}
	return n.evalLeaf(data)
}

func (n *Node) evalLeaf(data map[string]any) (bool, error) {
	if n.Exists != nil {
		return dotpath.Exists(data, n.Key) == *n.Exists, nil
	}

	val, err := dotpath.Resolve(data, n.Key)
	if err != nil {
		// A missing key is an ordinary non-match for equals, in and
		// matches; for not_equals it counts as a match.
		return n.NotEquals != nil, nil
	}

	switch {
	case n.Equals != nil:
		return looseEqual(val, n.Equals), nil
	case n.NotEquals != nil:
		return !looseEqual(val, n.NotEquals), nil
	case n.In != nil:
		for _, want := range n.In {
			if looseEqual(val, want) {
				return true, nil
			}
		}
		return false, nil
	case n.re != nil:
		s, ok := val.(string)
		if !ok {
			return false, fmt.Errorf("key %q: matches requires a string, got %T", n.Key, val)
		}
		return n.re.MatchString(s), nil
	default:
		return false, fmt.Errorf("key %q: no operator", n.Key)
	}
}

// looseEqual compares values the way dynamic event payloads need:
// numeric types by value, bools strictly, everything else by string
// form.
func looseEqual(left, right any) bool {
	lf, lok := toFloat64(left)
	rf, rok := toFloat64(right)
	if lok && rok {
		return math.Abs(lf-rf) < 1e-9
	}
	if lb, ok := left.(bool); ok {
		rb, ok := right.(bool)
		return ok && lb == rb
	}
	if _, ok := right.(bool); ok {
		return false
	}
	return fmt.Sprintf("%v", left) == fmt.Sprintf("%v", right)
}

func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
