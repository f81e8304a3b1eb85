// Package fingerprint turns raw activity records into normalized behavioral
// feature vectors and scores pairwise similarity between agents.
package fingerprint

import (
	"sort"
	"strings"

	"github.com/tradingstarllc/moltlaunch-verify/pkg/models"
)

// Topics is the fixed topic vocabulary. A post counts toward a topic when its
// concatenated title+body contains any keyword, case-insensitive; one post
// may match several topics.
var Topics = map[string][]string{
	"ai":         {"llm", "model", "neural", "agent", "prompt", "inference", "training"},
	"crypto":     {"token", "wallet", "chain", "ledger", "defi", "nft", "solana"},
	"dev":        {"code", "bug", "deploy", "api", "library", "compile", "refactor"},
	"science":    {"experiment", "paper", "hypothesis", "data", "study", "physics"},
	"philosophy": {"consciousness", "ethics", "meaning", "existence", "identity"},
}

// Extract computes the full feature vector for one agent's post history.
// An empty history yields a zeroed vector with normalized histograms left
// all-zero.
func Extract(posts []models.ActivityPost) models.FeatureVector {
	fv := models.FeatureVector{
		HourHistogram:     make([]float64, 24),
		DayHistogram:      make([]float64, 7),
		TopicDistribution: map[string]float64{},
		PostCount:         len(posts),
	}
	for topic := range Topics {
		fv.TopicDistribution[topic] = 0
	}
	if len(posts) == 0 {
		return fv
	}

	sorted := make([]models.ActivityPost, len(posts))
	copy(sorted, posts)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].CreatedAt.Before(sorted[j].CreatedAt) })

	var totalLen, totalMarkdown float64
	var questionPosts, codePosts int
	uniqueTokens := map[string]struct{}{}
	tokenCount := 0

	for _, p := range sorted {
		ts := p.CreatedAt.UTC()
		fv.HourHistogram[ts.Hour()]++
		fv.DayHistogram[int(ts.Weekday())]++

		text := p.Title + " " + p.Body
		totalLen += float64(len(p.Body))
		if strings.Contains(p.Body, "?") {
			questionPosts++
		}
		if strings.Count(p.Body, "```") >= 2 {
			codePosts++
		}
		totalMarkdown += markdownElements(p.Body)

		for _, tok := range strings.Fields(strings.ToLower(text)) {
			tok = strings.Trim(tok, ".,!?;:()[]{}\"'`")
			if tok == "" {
				continue
			}
			tokenCount++
			uniqueTokens[tok] = struct{}{}
		}

		lower := strings.ToLower(text)
		for topic, keywords := range Topics {
			for _, kw := range keywords {
				if strings.Contains(lower, kw) {
					fv.TopicDistribution[topic]++
					break
				}
			}
		}
	}

	n := float64(len(sorted))
	normalize(fv.HourHistogram)
	normalize(fv.DayHistogram)
	fv.MeanTextLength = totalLen / n
	if tokenCount > 0 {
		fv.VocabRichness = float64(len(uniqueTokens)) / float64(tokenCount)
	}
	fv.QuestionRatio = float64(questionPosts) / n
	fv.CodeBlockRatio = float64(codePosts) / n
	fv.MarkdownDensity = totalMarkdown / n
	for topic := range fv.TopicDistribution {
		fv.TopicDistribution[topic] /= n
	}

	if len(sorted) > 1 {
		var totalGap float64
		for i := 1; i < len(sorted); i++ {
			totalGap += sorted[i].CreatedAt.Sub(sorted[i-1].CreatedAt).Hours()
		}
		fv.MeanIntervalHrs = totalGap / float64(len(sorted)-1)
	}
	return fv
}

// markdownElements counts structural markdown in one post body: headers,
// bold spans, links, list items.
func markdownElements(body string) float64 {
	count := 0
	for _, line := range strings.Split(body, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "#") {
			count++
		}
		if strings.HasPrefix(trimmed, "- ") || strings.HasPrefix(trimmed, "* ") {
			count++
		}
	}
	count += strings.Count(body, "**") / 2
	count += strings.Count(body, "](")
	return float64(count)
}

func normalize(hist []float64) {
	var total float64
	for _, v := range hist {
		total += v
	}
	if total == 0 {
		return
	}
	for i := range hist {
		hist[i] /= total
	}
}

// reducedFeatures is the canonical subset that feeds the fingerprint digest:
// timing distributions, four content scalars and the topic distribution.
// Changing this shape breaks digest re-derivation for every stored agent.
type reducedFeatures struct {
	HourHistogram  []float64          `json:"hour_histogram"`
	DayHistogram   []float64          `json:"day_histogram"`
	MeanTextLength float64            `json:"mean_text_length"`
	VocabRichness  float64            `json:"vocab_richness"`
	QuestionRatio  float64            `json:"question_ratio"`
	CodeBlockRatio float64            `json:"code_block_ratio"`
	Topics         map[string]float64 `json:"topics"`
}

// Hash derives the fingerprint digest from the canonical reduced feature
// subset.
func Hash(fv models.FeatureVector) (string, error) {
	return models.CanonicalHash(reducedFeatures{
		HourHistogram:  fv.HourHistogram,
		DayHistogram:   fv.DayHistogram,
		MeanTextLength: fv.MeanTextLength,
		VocabRichness:  fv.VocabRichness,
		QuestionRatio:  fv.QuestionRatio,
		CodeBlockRatio: fv.CodeBlockRatio,
		Topics:         fv.TopicDistribution,
	})
}
