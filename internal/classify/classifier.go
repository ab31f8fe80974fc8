// Package classify infers which tool produced a provider callback. The provider
// sends no tool identifier, so the verdict comes from an ordered rule chain over
// the output media kind, the model identifier and the shape of the echoed input.
package classify

import (
	"strings"

	"github.com/google/uuid"

	"github.com/bluefxvideo/bluefx-app-sub009/pkg/models"
)

// Strategy is how the dispatcher processes a successful callback for a tool.
type Strategy string

const (
	StrategySingle Strategy = "single"
	StrategyBatch  Strategy = "batch"
	StrategyChain  Strategy = "chainable"
	StrategyText   Strategy = "text"
	StrategyNone   Strategy = "none"
)

// StrategyFor returns the processing strategy of a tool.
func StrategyFor(tool models.ToolKind) Strategy {
	switch {
	case tool.IsBatch():
		return StrategyBatch
	case tool == models.ToolVideoGenerate:
		return StrategyChain
	case tool == models.ToolTitleGen:
		return StrategyText
	case tool.Valid():
		return StrategySingle
	default:
		return StrategyNone
	}
}

// Verdict is the classifier's answer for one callback.
type Verdict struct {
	ToolKind            models.ToolKind
	Strategy            Strategy
	OwnerUserID         string
	BatchID             string
	InternalID          *uuid.UUID
	ExpectedOutputCount int
	// MatchedRule names the rule that fired, empty for unknown verdicts.
	MatchedRule string
	Signals     *Signals
}

// Known reports whether classification succeeded.
func (v Verdict) Known() bool {
	return v.ToolKind != models.ToolUnknown && v.ToolKind != ""
}

// Classifier evaluates a rule chain, first match wins.
type Classifier struct {
	rules []Rule
}

// New builds a Classifier. Configured per-tool model identifiers are checked
// before the built-in version rules so deployments can pin their own models.
func New(configured map[models.ToolKind]string) *Classifier {
	var pinned []Rule
	for _, tool := range models.AllTools {
		id := strings.ToLower(strings.TrimSpace(configured[tool]))
		if id == "" {
			continue
		}
		// Strip a version suffix so "owner/name:hash" pins the whole model.
		if i := strings.Index(id, ":"); i > 0 {
			id = id[:i]
		}
		pinned = append(pinned, Rule{
			Name:       "configured-" + string(tool),
			Tool:       tool,
			Basis:      BasisVersion,
			Substrings: []string{id},
		})
	}

	rules := make([]Rule, 0, len(pinned)+len(versionRules)+len(inputRules)+len(outputRules))
	rules = append(rules, outputRules...)
	rules = append(rules, pinned...)
	rules = append(rules, versionRules...)
	rules = append(rules, inputRules...)
	return &Classifier{rules: rules}
}

// NewWithRules builds a Classifier over an explicit chain.
func NewWithRules(rules []Rule) *Classifier {
	return &Classifier{rules: rules}
}

// Rules returns the chain in evaluation order.
func (c *Classifier) Rules() []Rule {
	return append([]Rule(nil), c.rules...)
}

// Classify returns a verdict for cb. Unknown verdicts carry ToolUnknown and
// still expose the extracted correlation fields.
func (c *Classifier) Classify(cb *models.Callback) Verdict {
	sig := Extract(cb)
	v := Verdict{
		ToolKind:            models.ToolUnknown,
		Strategy:            StrategyNone,
		OwnerUserID:         sig.OwnerUserID,
		BatchID:             sig.BatchID,
		InternalID:          sig.InternalID,
		ExpectedOutputCount: 1,
		Signals:             sig,
	}

	for _, r := range c.rules {
		if r.Basis != BasisOutput && !produces(r.Tool, sig.OutputKind) {
			continue
		}
		if !r.Match(sig) {
			continue
		}
		v.ToolKind = r.Tool
		v.Strategy = StrategyFor(r.Tool)
		v.MatchedRule = r.Name
		if r.Tool.IsBatch() && sig.NumOutputs > 0 {
			v.ExpectedOutputCount = sig.NumOutputs
		}
		return v
	}
	return v
}
