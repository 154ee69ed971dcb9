package service

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/agentic-work/openagenticwork-sub000/internal/domain/orchestration"
)

// Score weights. Each feature saturates at its cap so no single signal can
// push a request over the threshold on its own unless the threshold is low.
const (
	lengthRunesPerPoint = 25
	lengthCap           = 40
	multiStepPoints     = 8
	multiStepCap        = 25
	toolWordPoints      = 7
	toolWordCap         = 20
	depthPoints         = 3
	depthCap            = 15
)

var multiStepWords = map[string]bool{
	"first": true, "then": true, "next": true, "finally": true, "afterwards": true,
	"subsequently": true, "step": true, "steps": true, "compare": true, "plan": true,
	"breakdown": true, "analyze": true, "analyse": true,
}

var toolWords = map[string]bool{
	"search": true, "lookup": true, "fetch": true, "run": true, "execute": true,
	"calculate": true, "compute": true, "query": true, "download": true, "browse": true,
	"call": true, "api": true, "database": true, "sql": true, "file": true, "files": true,
	"script": true, "deploy": true, "install": true, "tool": true, "tools": true,
}

var numberedLine = regexp.MustCompile(`(?m)^\s*\d+[.)]\s`)

// PatternCache stores compiled routing patterns keyed by their source text.
type PatternCache interface {
	Get(pattern string) (*regexp.Regexp, bool)
	Set(pattern string, re *regexp.Regexp)
}

// Classifier scores requests and decides whether multi-role orchestration
// triggers. Scoring is pure: the same request always yields the same score.
type Classifier struct {
	patterns PatternCache
}

// NewClassifier creates a Classifier. patterns may be nil, in which case
// routing patterns are compiled on every call.
func NewClassifier(patterns PatternCache) *Classifier {
	return &Classifier{patterns: patterns}
}

// Score returns the complexity score of req in [0,100].
func Score(req *orchestration.Request) int {
	score := min(lengthCap, utf8.RuneCountInString(req.Message)/lengthRunesPerPoint)

	lower := strings.ToLower(req.Message)
	words := strings.FieldsFunc(lower, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	var steps, tools int
	for _, w := range words {
		if multiStepWords[w] {
			steps++
		}
		if toolWords[w] {
			tools++
		}
	}
	steps += len(numberedLine.FindAllStringIndex(req.Message, -1))

	score += min(multiStepCap, steps*multiStepPoints)
	score += min(toolWordCap, tools*toolWordPoints)
	score += min(depthCap, max(0, req.ConversationDepth)*depthPoints)
	return max(0, min(100, score))
}

// Classify validates req and returns the routing decision under p. The
// slider position is taken from the request.
func (c *Classifier) Classify(req *orchestration.Request, p *orchestration.Policy) (orchestration.Decision, error) {
	if err := req.Validate(); err != nil {
		return orchestration.Decision{}, err
	}

	d := orchestration.Decision{Score: Score(req)}
	if !p.Enabled {
		d.Reason = orchestration.TriggerPolicyDisabled
		return d, nil
	}

	d.TriggerMultiRole = true
	if pat, ok := c.matchPattern(req.Message, p.Routing.AlwaysMultiModelPatterns); ok {
		d.Reason = orchestration.TriggerPatternMatch
		d.MatchedPattern = pat
		return d, nil
	}
	if d.Score >= p.Routing.ComplexityThreshold {
		d.Reason = orchestration.TriggerComplexity
		return d, nil
	}
	slider := req.Slider()
	if p.SliderOverride.ScaleBySlider && slider != orchestration.NoSlider && slider >= p.SliderOverride.EnableAbovePosition {
		d.Reason = orchestration.TriggerSlider
		return d, nil
	}

	d.TriggerMultiRole = false
	d.Reason = orchestration.TriggerBelowThreshold
	return d, nil
}

func (c *Classifier) matchPattern(text string, patterns []string) (string, bool) {
	for _, pat := range patterns {
		re, ok := c.compiled(pat)
		if ok && re.MatchString(text) {
			return pat, true
		}
	}
	return "", false
}

func (c *Classifier) compiled(pattern string) (*regexp.Regexp, bool) {
	if c.patterns != nil {
		if re, ok := c.patterns.Get(pattern); ok {
			return re, true
		}
	}
	// Policies are validated on write, so this only fails for policies that
	// bypassed validation; such patterns never match.
	re, err := orchestration.CompilePattern(pattern)
	if err != nil {
		return nil, false
	}
	if c.patterns != nil {
		c.patterns.Set(pattern, re)
	}
	return re, true
}
