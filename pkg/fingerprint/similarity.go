package fingerprint

import (
	"math"
	"sort"

	"github.com/tradingstarllc/moltlaunch-verify/pkg/models"
)

// Blend weights. Timing and content carry 0.3 each, topic 0.4.
const (
	weightTiming  = 0.3
	weightContent = 0.3
	weightTopic   = 0.4
)

// DefaultSampleSize caps how many peers feed one uniqueness score.
const DefaultSampleSize = 50

// Similarity computes the combined behavioral similarity of two feature
// vectors, clamped to [0,1]. A vector compared against itself scores 1.0.
func Similarity(a, b models.FeatureVector) float64 {
	timing := 0.5*cosine(a.HourHistogram, b.HourHistogram) +
		0.3*cosine(a.DayHistogram, b.DayHistogram) +
		0.2*closeness(a.MeanIntervalHrs, b.MeanIntervalHrs)

	content := 0.3*closeness(a.MeanTextLength, b.MeanTextLength) +
		0.3*closeness(a.VocabRichness, b.VocabRichness) +
		0.2*closeness(a.QuestionRatio, b.QuestionRatio) +
		0.2*closeness(a.CodeBlockRatio, b.CodeBlockRatio)

	topic := cosine(topicVector(a.TopicDistribution), topicVector(b.TopicDistribution))

	return clamp01(weightTiming*clamp01(timing) + weightContent*clamp01(content) + weightTopic*clamp01(topic))
}

// Uniqueness scores how distinct subject is from its peers:
// 1 - mean(similarity). An empty population is maximally unique.
func Uniqueness(subject models.FeatureVector, peers []models.FeatureVector) float64 {
	if len(peers) == 0 {
		return 1.0
	}
	var total float64
	for _, peer := range peers {
		total += Similarity(subject, peer)
	}
	return clamp01(1.0 - total/float64(len(peers)))
}

// SamplePeers picks a deterministic comparison population: the first limit
// ids in lexicographic order, excluding the subject. Deterministic sampling
// keeps uniqueness scores reproducible across retries.
func SamplePeers(subjectID string, ids []string, limit int) []string {
	if limit <= 0 {
		limit = DefaultSampleSize
	}
	sorted := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != subjectID {
			sorted = append(sorted, id)
		}
	}
	sort.Strings(sorted)
	if len(sorted) > limit {
		sorted = sorted[:limit]
	}
	return sorted
}

// cosine treats two all-zero vectors as identical rather than undefined so a
// vector always scores 1.0 against itself.
func cosine(a, b []float64) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 && normB == 0 {
		return 1.0
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// closeness maps two non-negative scalars to [0,1]: equal values score 1,
// values an order of magnitude apart score near 0.
func closeness(a, b float64) float64 {
	if a == b {
		return 1.0
	}
	max := math.Max(math.Abs(a), math.Abs(b))
	if max == 0 {
		return 1.0
	}
	return clamp01(1.0 - math.Abs(a-b)/max)
}

func topicVector(dist map[string]float64) []float64 {
	keys := make([]string, 0, len(dist))
	for k := range dist {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]float64, len(keys))
	for i, k := range keys {
		out[i] = dist[k]
	}
	return out
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
