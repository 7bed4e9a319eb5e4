package analysis

import (
	"context"
	"sort"
	"strings"
	"unicode"

	"github.com/voxbatch/voxbatch/pkg/processor"
)

// Noop is the degraded analyzer selected when analysis is disabled.
// It reports itself unavailable so the processor skips it.
type Noop struct{}

func (Noop) Name() string    { return "noop" }
func (Noop) Available() bool { return false }
func (Noop) Analyze(context.Context, string) (*processor.Insights, error) {
	return nil, nil
}

// KeywordAnalyzer extracts the most frequent non-stopword terms from a
// transcript.
type KeywordAnalyzer struct {
	MaxKeywords int
	MinLength   int
}

// NewKeywordAnalyzer creates a keyword analyzer with defaults
func NewKeywordAnalyzer() *KeywordAnalyzer {
	return &KeywordAnalyzer{MaxKeywords: 10, MinLength: 4}
}

func (*KeywordAnalyzer) Name() string    { return "keywords" }
func (*KeywordAnalyzer) Available() bool { return true }

// Analyze counts word frequency and returns the top terms.
func (a *KeywordAnalyzer) Analyze(ctx context.Context, text string) (*processor.Insights, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	counts := map[string]int{}
	for _, word := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	}) {
		if len(word) < a.MinLength || stopwords[word] {
			continue
		}
		counts[word]++
	}

	type freq struct {
		word  string
		count int
	}
	ranked := make([]freq, 0, len(counts))
	for word, count := range counts {
		if count > 1 {
			ranked = append(ranked, freq{word, count})
		}
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].count != ranked[j].count {
			return ranked[i].count > ranked[j].count
		}
		return ranked[i].word < ranked[j].word
	})

	max := a.MaxKeywords
	if max <= 0 {
		max = 10
	}
	if len(ranked) > max {
		ranked = ranked[:max]
	}

	insights := &processor.Insights{}
	for _, f := range ranked {
		insights.Keywords = append(insights.Keywords, f.word)
	}
	return insights, nil
}

// QuestionAnalyzer extracts sentences that end with a question mark.
type QuestionAnalyzer struct {
	MaxQuestions int
}

// NewQuestionAnalyzer creates a question analyzer with defaults
func NewQuestionAnalyzer() *QuestionAnalyzer {
	return &QuestionAnalyzer{MaxQuestions: 20}
}

func (*QuestionAnalyzer) Name() string    { return "questions" }
func (*QuestionAnalyzer) Available() bool { return true }

// Analyze splits the transcript into sentences and keeps the questions.
func (a *QuestionAnalyzer) Analyze(ctx context.Context, text string) (*processor.Insights, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	insights := &processor.Insights{}
	start := 0
	for i, r := range text {
		switch r {
		case '.', '!', '?':
			sentence := strings.TrimSpace(text[start : i+1])
			start = i + 1
			if r == '?' && sentence != "" {
				insights.Questions = append(insights.Questions, sentence)
				if a.MaxQuestions > 0 && len(insights.Questions) >= a.MaxQuestions {
					return insights, nil
				}
			}
		}
	}
	return insights, nil
}

// stopwords filters common function words from keyword extraction
var stopwords = map[string]bool{
	"that": true, "this": true, "with": true, "from": true, "have": true,
	"what": true, "your": true, "about": true, "which": true, "would": true,
	"there": true, "their": true, "were": true, "been": true, "they": true,
	"will": true, "when": true, "then": true, "them": true, "than": true,
	"some": true, "just": true, "like": true, "into": true, "over": true,
	"because": true, "really": true, "going": true, "think": true, "know": true,
	"well": true, "yeah": true, "okay": true, "right": true, "also": true,
}
