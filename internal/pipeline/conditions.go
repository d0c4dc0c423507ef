package pipeline

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// valueMatcher matches a condition value as a prefix string or, when
// the value compiles and carries regex metacharacters, as a regular
// expression.
type valueMatcher struct {
	raw string
	re  *regexp.Regexp
}

func newValueMatcher(value string) valueMatcher {
	m := valueMatcher{raw: value}
	if strings.ContainsAny(value, `\.+*?()|[]{}^$`) {
		if re, err := regexp.Compile(value); err == nil {
			m.re = re
		}
	}
	return m
}

func (m valueMatcher) matches(s string) bool {
	if m.re != nil {
		return m.re.MatchString(s)
	}
	return strings.HasPrefix(s, m.raw)
}

// Conditions gates a plugin's eligibility for a request. Every declared
// condition must match; an empty Conditions matches everything.
type Conditions struct {
	paths   []valueMatcher
	methods []string
	headers map[string]valueMatcher
	userIDs []valueMatcher
	models  []valueMatcher
	program *vm.Program
}

// ConditionsSpec is the raw configuration form of Conditions.
type ConditionsSpec struct {
	Paths      []string
	Methods    []string
	Headers    map[string]string
	UserIDs    []string
	Models     []string
	Expression string
}

// exprEnv is what a conditions expression sees.
type exprEnv struct {
	Method  string            `expr:"method"`
	Path    string            `expr:"path"`
	Model   string            `expr:"model"`
	UserID  string            `expr:"user_id"`
	Headers map[string]string `expr:"headers"`
}

// NewConditions compiles a spec. Regex-looking values that fail to
// compile fall back to prefix matching; a broken expression is a
// configuration error.
func NewConditions(spec ConditionsSpec) (*Conditions, error) {
	c := &Conditions{methods: make([]string, 0, len(spec.Methods))}
	for _, p := range spec.Paths {
		c.paths = append(c.paths, newValueMatcher(p))
	}
	for _, m := range spec.Methods {
		c.methods = append(c.methods, strings.ToUpper(m))
	}
	if len(spec.Headers) > 0 {
		c.headers = make(map[string]valueMatcher, len(spec.Headers))
		for k, v := range spec.Headers {
			c.headers[strings.ToLower(k)] = newValueMatcher(v)
		}
	}
	for _, u := range spec.UserIDs {
		c.userIDs = append(c.userIDs, newValueMatcher(u))
	}
	for _, m := range spec.Models {
		c.models = append(c.models, newValueMatcher(m))
	}
	if spec.Expression != "" {
		program, err := expr.Compile(spec.Expression, expr.Env(exprEnv{}), expr.AsBool())
		if err != nil {
			return nil, fmt.Errorf("invalid condition expression: %w", err)
		}
		c.program = program
	}
	return c, nil
}

// Matches evaluates all declared conditions against the context.
func (c *Conditions) Matches(rc *RequestContext) bool {
	if c == nil {
		return true
	}
	method, path := "", ""
	if rc.HTTPRequest != nil {
		method = rc.HTTPRequest.Method
		path = rc.HTTPRequest.URL
	}
	if len(c.methods) > 0 && !containsString(c.methods, strings.ToUpper(method)) {
		return false
	}
	if len(c.paths) > 0 && !anyMatches(c.paths, path) {
		return false
	}
	for name, matcher := range c.headers {
		value := ""
		if rc.HTTPRequest != nil {
			value = rc.HTTPRequest.Header(name)
		}
		if value == "" || !matcher.matches(value) {
			return false
		}
	}
	if len(c.userIDs) > 0 && !anyMatches(c.userIDs, rc.UserID) {
		return false
	}
	model := ""
	if rc.Request != nil {
		model = rc.Request.Model
	}
	if len(c.models) > 0 && !anyMatches(c.models, model) {
		return false
	}
	if c.program != nil {
		headers := map[string]string{}
		if rc.HTTPRequest != nil {
			for k, v := range rc.HTTPRequest.Headers {
				headers[strings.ToLower(k)] = v
			}
		}
		out, err := expr.Run(c.program, exprEnv{
			Method:  method,
			Path:    path,
			Model:   model,
			UserID:  rc.UserID,
			Headers: headers,
		})
		if err != nil {
			return false
		}
		if ok, _ := out.(bool); !ok {
			return false
		}
	}
	return true
}

func anyMatches(matchers []valueMatcher, s string) bool {
	for _, m := range matchers {
		if m.matches(s) {
			return true
		}
	}
	return false
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
