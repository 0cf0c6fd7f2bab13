// Package antispam holds the content-side traffic disguises: reversible
// content variation, near-duplicate bucketing and similar-message spacing.
package antispam

import (
	"hash/fnv"
	"math/rand"
	"strings"
	"unicode"

	"campaignd/internal/domain"
)

const zeroWidthSpace = '​'

// Seed derives the per-job RNG seed. Retries of the same job reuse it, so
// every attempt carries identical variations and delays.
func Seed(jobID string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(jobID))
	return h.Sum64()
}

// Vary perturbs text with semantically-null zero-width insertions at seeded
// word boundaries. Strip the zero-width runes to recover the original.
func Vary(body string, seed uint64) string {
	words := strings.Split(body, " ")
	if len(words) < 2 {
		return body
	}
	rng := rand.New(rand.NewSource(int64(seed)))
	var b strings.Builder
	for i, w := range words {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(w)
		// roughly one insertion per three gaps
		if i < len(words)-1 && rng.Intn(3) == 0 {
			b.WriteRune(zeroWidthSpace)
		}
	}
	return b.String()
}

// Bucket maps rendered content to a near-duplicate bucket: case, punctuation,
// digits and whitespace runs are erased so messages differing only in
// per-contact substitutions land together.
func Bucket(body string) uint64 {
	var b strings.Builder
	var last rune
	for _, r := range strings.ToLower(body) {
		switch {
		case unicode.IsLetter(r):
			b.WriteRune(r)
			last = r
		case unicode.IsDigit(r):
			// digit runs collapse to a single marker
			if last != '#' {
				b.WriteByte('#')
				last = '#'
			}
		case unicode.IsSpace(r):
			if last != ' ' && last != 0 {
				b.WriteByte(' ')
				last = ' '
			}
		}
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(b.String()))
	return h.Sum64()
}

// SpaceSimilar reorders a claimed batch so jobs in the same near-duplicate
// bucket are not sent back to back on one instance. Greedy: repeatedly take
// the earliest job whose bucket differs from the previous pick, falling back
// to the earliest remaining when every bucket matches.
func SpaceSimilar(jobs []domain.MessageJob) []domain.MessageJob {
	if len(jobs) < 3 {
		return jobs
	}
	remaining := append([]domain.MessageJob(nil), jobs...)
	out := make([]domain.MessageJob, 0, len(jobs))
	var last uint64
	haveLast := false
	for len(remaining) > 0 {
		idx := 0
		if haveLast {
			idx = -1
			for i, j := range remaining {
				if j.SimilarityBucket != last {
					idx = i
					break
				}
			}
			if idx < 0 {
				idx = 0
			}
		}
		pick := remaining[idx]
		out = append(out, pick)
		remaining = append(remaining[:idx], remaining[idx+1:]...)
		last = pick.SimilarityBucket
		haveLast = true
	}
	return out
}
