package governance

import (
	"context"
	"fmt"
	"regexp"
)

// Effect defines the result of a policy evaluation.
type Effect string

const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
)

// Request describes a step about to run against a page.
type Request struct {
	StepType string
	Payload  string
	URL      string
}

// Result contains the outcome of a policy evaluation.
type Result struct {
	Effect Effect
	Reason string
}

// PolicyEngine decides whether a step may run.
type PolicyEngine interface {
	Evaluate(ctx context.Context, req Request) (Result, error)
}

// DefaultPolicyEngine denies whole step types and payloads matching any of
// a list of patterns. Everything else is allowed.
type DefaultPolicyEngine struct {
	DeniedStepTypes map[string]bool
	DeniedPayloads  []*regexp.Regexp
	DeniedURLs      []*regexp.Regexp
}

func NewDefaultPolicyEngine() *DefaultPolicyEngine {
	return &DefaultPolicyEngine{
		DeniedStepTypes: make(map[string]bool),
	}
}

func (e *DefaultPolicyEngine) DenyStepType(name string) {
	e.DeniedStepTypes[name] = true
}

func (e *DefaultPolicyEngine) DenyPayload(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	e.DeniedPayloads = append(e.DeniedPayloads, re)
	return nil
}

// DenyURL blocks steps whose page URL matches pattern.
func (e *DefaultPolicyEngine) DenyURL(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	e.DeniedURLs = append(e.DeniedURLs, re)
	return nil
}

func (e *DefaultPolicyEngine) Evaluate(ctx context.Context, req Request) (Result, error) {
	if e.DeniedStepTypes[req.StepType] {
		return Result{
			Effect: EffectDeny,
			Reason: fmt.Sprintf("step type '%s' is disabled by policy", req.StepType),
		}, nil
	}

	for _, re := range e.DeniedPayloads {
		if re.MatchString(req.Payload) {
			return Result{
				Effect: EffectDeny,
				Reason: fmt.Sprintf("payload matches restricted pattern: %s", re.String()),
			}, nil
		}
	}

	if req.URL != "" {
		for _, re := range e.DeniedURLs {
			if re.MatchString(req.URL) {
				return Result{
					Effect: EffectDeny,
					Reason: fmt.Sprintf("page %s matches restricted pattern: %s", req.URL, re.String()),
				}, nil
			}
		}
	}

	return Result{
		Effect: EffectAllow,
		Reason: "allowed by default policy",
	}, nil
}
