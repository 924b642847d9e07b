// Package rules implements path-scoped authorization: an ordered list of
// path patterns, each mapping operations to a small boolean expression
// evaluated against the caller's auth context and captured path variables.
//
// Matching is first-match-wins in declaration order. An expression that fails
// to parse or evaluate denies, and a path that no rule matches is denied. A
// rule whose pattern fails to compile is skipped, so later rules still decide
// for the paths it would have matched. Default policy is deny.
package rules

import (
	"strings"

	"go.uber.org/zap"

	"github.com/telestackhq/db/internal/domain"
	"github.com/telestackhq/db/internal/pkg/logger"
)

// Operation is the access class a rule authorizes.
type Operation string

const (
	OpRead   Operation = "read"
	OpWrite  Operation = "write"
	OpDelete Operation = "delete"
)

// AuthContext carries the caller identity the expressions can reference.
type AuthContext struct {
	UserID string
}

// RuleConfig is one configured rule: a path pattern plus per-operation
// expressions. A missing operation key denies that operation.
type RuleConfig struct {
	Match string            `mapstructure:"match" yaml:"match"`
	Allow map[string]string `mapstructure:"allow" yaml:"allow"`
}

type segmentKind int

const (
	segLiteral segmentKind = iota
	segCapture             // {name}
	segTail                // {name=**} — must be final, captures the rest
	segPrefix              // ** — trailing /**, matches any proper-prefix path
)

type patternSegment struct {
	kind    segmentKind
	literal string
	name    string
}

type compiledRule struct {
	pattern []patternSegment
	allow   map[Operation]*Expr
}

// Engine evaluates (path, operation, auth) -> allow/deny.
type Engine struct {
	rules []compiledRule
}

// New compiles the configured rule list. A rule whose expression fails to
// parse is kept in place as a constant deny so declaration order (and
// first-match-wins) is preserved.
func New(cfgs []RuleConfig) *Engine {
	e := &Engine{}
	for _, cfg := range cfgs {
		pattern, err := compilePattern(cfg.Match)
		if err != nil {
			logger.Warn("Skipping unparsable rule pattern",
				zap.String("match", cfg.Match),
				zap.Error(err),
			)
			continue
		}
		rule := compiledRule{pattern: pattern, allow: make(map[Operation]*Expr)}
		for op, src := range cfg.Allow {
			expr, err := ParseExpr(src)
			if err != nil {
				logger.Warn("Rule expression failed to parse, compiling to deny",
					zap.String("match", cfg.Match),
					zap.String("operation", op),
					zap.Error(err),
				)
				expr = nil // nil evaluates to deny
			}
			rule.allow[Operation(op)] = expr
		}
		e.rules = append(e.rules, rule)
	}
	return e
}

// Authorize returns true iff the first rule whose pattern matches path has an
// expression for op that evaluates to true. Evaluation failures deny.
func (e *Engine) Authorize(path domain.Path, op Operation, auth AuthContext) bool {
	segments := path.Segments()
	for _, rule := range e.rules {
		bindings, ok := matchPattern(rule.pattern, segments)
		if !ok {
			continue
		}
		// First match decides; later rules are never consulted.
		expr, ok := rule.allow[op]
		if !ok || expr == nil {
			return false
		}
		env := buildEnv(auth, bindings)
		allowed, err := expr.Eval(env)
		if err != nil {
			logger.Debug("Rule expression evaluation denied",
				zap.String("path", path.String()),
				zap.String("operation", string(op)),
				zap.Error(err),
			)
			return false
		}
		return allowed
	}
	return false
}

func compilePattern(pattern string) ([]patternSegment, error) {
	if pattern == "" {
		return nil, errEmptyPattern
	}
	raw := strings.Split(pattern, "/")
	segments := make([]patternSegment, 0, len(raw))
	for i, seg := range raw {
		last := i == len(raw)-1
		switch {
		case seg == "":
			return nil, errEmptySegment
		case seg == "**":
			if !last {
				return nil, errWildcardNotLast
			}
			segments = append(segments, patternSegment{kind: segPrefix})
		case strings.HasPrefix(seg, "{") && strings.HasSuffix(seg, "}"):
			inner := seg[1 : len(seg)-1]
			if name, ok := strings.CutSuffix(inner, "=**"); ok {
				if !last {
					return nil, errWildcardNotLast
				}
				if name == "" {
					return nil, errEmptyCaptureName
				}
				segments = append(segments, patternSegment{kind: segTail, name: name})
			} else {
				if inner == "" {
					return nil, errEmptyCaptureName
				}
				segments = append(segments, patternSegment{kind: segCapture, name: inner})
			}
		default:
			segments = append(segments, patternSegment{kind: segLiteral, literal: seg})
		}
	}
	return segments, nil
}

// matchPattern matches path segments against a compiled pattern, returning
// the captured variable bindings on success.
func matchPattern(pattern []patternSegment, segments []string) (map[string]string, bool) {
	bindings := make(map[string]string)
	for i, ps := range pattern {
		switch ps.kind {
		case segPrefix:
			// Trailing /**: the path must strictly extend the prefix.
			return bindings, len(segments) > i
		case segTail:
			if len(segments) <= i {
				return nil, false
			}
			bindings[ps.name] = strings.Join(segments[i:], "/")
			return bindings, true
		case segCapture:
			if i >= len(segments) {
				return nil, false
			}
			bindings[ps.name] = segments[i]
		case segLiteral:
			if i >= len(segments) || segments[i] != ps.literal {
				return nil, false
			}
		}
	}
	return bindings, len(pattern) == len(segments)
}

func buildEnv(auth AuthContext, bindings map[string]string) map[string]Value {
	env := make(map[string]Value, len(bindings)+1)
	for name, val := range bindings {
		env[name] = StringValue(val)
	}
	authObj := map[string]Value{}
	if auth.UserID == "" {
		authObj["userId"] = NullValue()
	} else {
		authObj["userId"] = StringValue(auth.UserID)
	}
	env["auth"] = ObjectValue(authObj)
	return env
}
