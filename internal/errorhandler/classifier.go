// Package errorhandler 把执行失败映射成重试决策和结果码。
//
// 错误规则格式: "pattern:verb,verb;pattern:verb"
//
//	pattern  匹配错误名称的正则表达式
//	retry    可重试，默认结果码 1
//	stop     不可重试，默认结果码 127
//	ignore   不可重试，结果码 0
//	warn     记录告警日志
//	count    按错误名称计数
//	code=N   指定结果码
//
// 规则按顺序匹配，第一条命中的规则生效；没有命中时使用 DefaultSpec 的行为。
package errorhandler

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// DefaultSpec 未配置时的规则
const DefaultSpec = ".*:retry,warn,count"

// Action 是命中规则后需要执行的附加动作
type Action uint8

const (
	ActionWarn Action = 1 << iota
	ActionCount
)

func (a Action) Has(b Action) bool { return a&b != 0 }

// ErrorDetail 是一次失败的分类结果
type ErrorDetail struct {
	ResultCode int
	Retryable  bool
	// Name 是用于匹配和计数的错误名称
	Name    string
	Actions Action
}

// Classifier 把错误映射成 ErrorDetail，必须是纯函数
type Classifier interface {
	Classify(err error) ErrorDetail
}

// ClassifierFunc 适配普通函数
type ClassifierFunc func(err error) ErrorDetail

func (f ClassifierFunc) Classify(err error) ErrorDetail { return f(err) }

// Rule 是一条解析后的规则
type Rule struct {
	Pattern   *regexp.Regexp
	Code      int
	Retryable bool
	Actions   Action
}

// RuleClassifier 按顺序匹配规则
type RuleClassifier struct {
	spec  string
	rules []Rule
}

// ParseSpec 解析错误规则，空字符串使用 DefaultSpec
func ParseSpec(spec string) (*RuleClassifier, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		spec = DefaultSpec
	}
	c := &RuleClassifier{spec: spec}
	for _, part := range strings.Split(spec, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		rule, err := parseRule(part)
		if err != nil {
			return nil, err
		}
		c.rules = append(c.rules, rule)
	}
	if len(c.rules) == 0 {
		return nil, fmt.Errorf("error spec %q has no rules", spec)
	}
	return c, nil
}

// MustParseSpec 与 ParseSpec 相同，出错时 panic
func MustParseSpec(spec string) *RuleClassifier {
	c, err := ParseSpec(spec)
	if err != nil {
		panic(err)
	}
	return c
}

func parseRule(s string) (Rule, error) {
	// 只有动作没有模式时匹配所有错误，例如 "retry,warn"
	pattern, verbs := ".*", s
	if i := strings.LastIndex(s, ":"); i >= 0 {
		pattern, verbs = s[:i], s[i+1:]
	}
	re, err := regexp.Compile("^(?:" + strings.TrimSpace(pattern) + ")$")
	if err != nil {
		return Rule{}, fmt.Errorf("error rule %q: %w", s, err)
	}

	rule := Rule{Pattern: re, Code: CodeRetryable, Retryable: true}
	codeSet := false
	for _, verb := range strings.Split(verbs, ",") {
		verb = strings.ToLower(strings.TrimSpace(verb))
		switch {
		case verb == "":
		case verb == "retry":
			rule.Retryable = true
			if !codeSet {
				rule.Code = CodeRetryable
			}
		case verb == "stop":
			rule.Retryable = false
			if !codeSet {
				rule.Code = CodeNonRetryable
			}
		case verb == "ignore":
			rule.Retryable = false
			if !codeSet {
				rule.Code = CodeOK
			}
		case verb == "warn":
			rule.Actions |= ActionWarn
		case verb == "count" || verb == "counter":
			rule.Actions |= ActionCount
		case strings.HasPrefix(verb, "code="):
			n, err := strconv.Atoi(strings.TrimPrefix(verb, "code="))
			if err != nil || n < 0 || n > 255 {
				return Rule{}, fmt.Errorf("error rule %q: invalid result code %q", s, verb)
			}
			rule.Code = n
			codeSet = true
		default:
			return Rule{}, fmt.Errorf("error rule %q: unknown verb %q", s, verb)
		}
	}
	return rule, nil
}

// Classify 返回第一条命中规则的结果，未命中时按不可重试处理
func (c *RuleClassifier) Classify(err error) ErrorDetail {
	name := ErrorName(err)
	for _, r := range c.rules {
		if r.Pattern.MatchString(name) {
			return ErrorDetail{ResultCode: r.Code, Retryable: r.Retryable, Name: name, Actions: r.Actions}
		}
	}
	return ErrorDetail{ResultCode: CodeNonRetryable, Retryable: false, Name: name, Actions: ActionWarn | ActionCount}
}

// Rules 返回已解析的规则
func (c *RuleClassifier) Rules() []Rule {
	return c.rules
}

func (c *RuleClassifier) String() string {
	return c.spec
}
