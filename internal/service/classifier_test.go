package service

import (
	"errors"
	"regexp"
	"strings"
	"sync"
	"testing"

	"github.com/agentic-work/openagenticwork-sub000/internal/domain"
	"github.com/agentic-work/openagenticwork-sub000/internal/domain/orchestration"
)

type mapPatterns struct {
	mu   sync.Mutex
	m    map[string]*regexp.Regexp
	hits int
}

func (p *mapPatterns) Get(pattern string) (*regexp.Regexp, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	re, ok := p.m[pattern]
	if ok {
		p.hits++
	}
	return re, ok
}

func (p *mapPatterns) Set(pattern string, re *regexp.Regexp) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.m == nil {
		p.m = make(map[string]*regexp.Regexp)
	}
	p.m[pattern] = re
}

func intPtr(v int) *int { return &v }

func TestScore(t *testing.T) {
	tests := []struct {
		name string
		req  orchestration.Request
		want int
	}{
		{"short", orchestration.Request{Message: "hi"}, 0},
		{"length only", orchestration.Request{Message: neutral(500)}, 20},
		{"length capped", orchestration.Request{Message: neutral(5000)}, 40},
		{"multi-step words", orchestration.Request{Message: "first do this then that"}, 16},
		{"numbered lines", orchestration.Request{Message: "1. a\n2. b\n3. c\n4. d"}, 25},
		{"tool words", orchestration.Request{Message: "search the database"}, 14},
		{"tool words capped", orchestration.Request{Message: "search fetch query run sql"}, 20},
		{"depth", orchestration.Request{Message: "ok", ConversationDepth: 2}, 6},
		{"depth capped", orchestration.Request{Message: "ok", ConversationDepth: 50}, 15},
		{"case insensitive", orchestration.Request{Message: "FIRST Search"}, 15},
		{
			"everything capped",
			orchestration.Request{Message: strings.Repeat("first then search query ", 200), ConversationDepth: 10},
			100,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Score(&tt.req); got != tt.want {
				t.Errorf("Score = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestScoreIsDeterministic(t *testing.T) {
	req := &orchestration.Request{Message: "First search the files, then compute totals.\n1. a\n2. b", ConversationDepth: 3}
	want := Score(req)
	for range 50 {
		if got := Score(req); got != want {
			t.Fatalf("Score changed between calls: %d vs %d", got, want)
		}
	}
}

func TestClassifyDecisionOrder(t *testing.T) {
	c := NewClassifier(nil)
	tests := []struct {
		name    string
		mutate  func(p *orchestration.Policy)
		req     orchestration.Request
		multi   bool
		reason  orchestration.TriggerReason
		pattern string
	}{
		{
			name:   "policy disabled wins over everything",
			mutate: func(p *orchestration.Policy) { p.Enabled = false },
			req:    orchestration.Request{Message: "deep dive " + neutral(3000), SliderPosition: intPtr(100)},
			reason: orchestration.TriggerPolicyDisabled,
		},
		{
			name:    "pattern before complexity",
			req:     orchestration.Request{Message: "Deep Dive " + neutral(3000)},
			multi:   true,
			reason:  orchestration.TriggerPatternMatch,
			pattern: `\bdeep dive\b`,
		},
		{
			name:   "complexity at threshold",
			mutate: func(p *orchestration.Policy) { p.Routing.ComplexityThreshold = 20 },
			req:    orchestration.Request{Message: neutral(500)},
			multi:  true,
			reason: orchestration.TriggerComplexity,
		},
		{
			name:   "slider at position",
			req:    orchestration.Request{Message: "hello", SliderPosition: intPtr(70)},
			multi:  true,
			reason: orchestration.TriggerSlider,
		},
		{
			name:   "slider below position",
			req:    orchestration.Request{Message: "hello", SliderPosition: intPtr(69)},
			reason: orchestration.TriggerBelowThreshold,
		},
		{
			name:   "slider ignored without scaleBySlider",
			mutate: func(p *orchestration.Policy) { p.SliderOverride.ScaleBySlider = false },
			req:    orchestration.Request{Message: "hello", SliderPosition: intPtr(100)},
			reason: orchestration.TriggerBelowThreshold,
		},
		{
			name:   "no slider",
			req:    orchestration.Request{Message: "hello"},
			reason: orchestration.TriggerBelowThreshold,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := testPolicy()
			if tt.mutate != nil {
				tt.mutate(&p)
			}
			d, err := c.Classify(&tt.req, &p)
			if err != nil {
				t.Fatalf("Classify: %v", err)
			}
			if d.TriggerMultiRole != tt.multi || d.Reason != tt.reason {
				t.Errorf("decision = %+v, want multi=%v reason=%s", d, tt.multi, tt.reason)
			}
			if d.MatchedPattern != tt.pattern {
				t.Errorf("matched pattern = %q, want %q", d.MatchedPattern, tt.pattern)
			}
			if d.Score != Score(&tt.req) {
				t.Errorf("decision score %d differs from Score %d", d.Score, Score(&tt.req))
			}
		})
	}
}

func TestClassifyRejectsMalformedRequests(t *testing.T) {
	c := NewClassifier(nil)
	p := testPolicy()
	bad := []orchestration.Request{
		{Message: ""},
		{Message: "\xff\xfe"},
		{Message: "ok", ConversationDepth: -1},
		{Message: "ok", SliderPosition: intPtr(101)},
		{Message: "ok", SliderPosition: intPtr(-1)},
		{Message: neutral(orchestration.MaxMessageLength + 1)},
	}
	for _, req := range bad {
		_, err := c.Classify(&req, &p)
		var ce *orchestration.ClassificationError
		if !errors.As(err, &ce) {
			t.Errorf("Classify(%.20q): expected ClassificationError, got %v", req.Message, err)
			continue
		}
		if !errors.Is(err, domain.ErrValidation) {
			t.Errorf("ClassificationError should wrap ErrValidation")
		}
	}
}

func TestClassifyCachesCompiledPatterns(t *testing.T) {
	cache := &mapPatterns{}
	c := NewClassifier(cache)
	p := testPolicy()
	req := &orchestration.Request{Message: "hello there"}

	for range 3 {
		if _, err := c.Classify(req, &p); err != nil {
			t.Fatalf("Classify: %v", err)
		}
	}
	if len(cache.m) != 1 {
		t.Errorf("cached patterns = %d, want 1", len(cache.m))
	}
	if cache.hits != 2 {
		t.Errorf("cache hits = %d, want 2", cache.hits)
	}
}

func TestClassifyIgnoresUncompilablePattern(t *testing.T) {
	c := NewClassifier(nil)
	p := testPolicy()
	p.Routing.AlwaysMultiModelPatterns = []string{"([", "hello"}
	d, err := c.Classify(&orchestration.Request{Message: "hello"}, &p)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if d.Reason != orchestration.TriggerPatternMatch || d.MatchedPattern != "hello" {
		t.Errorf("decision = %+v", d)
	}
}
