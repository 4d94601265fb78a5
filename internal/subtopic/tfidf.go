package subtopic

import (
	"math"
	"strings"
	"unicode"
)

type sparseVec = map[int]float64

// tfidfIndex holds weighted term vectors for a small set of short labels.
type tfidfIndex struct {
	vocab map[string]int
	idf   []float64
	docs  []sparseVec
}

func tokenize(s string) []string {
	s = strings.ToLower(s)
	var tokens []string
	var cur strings.Builder
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			cur.WriteRune(r)
		} else if cur.Len() > 0 {
			tokens = append(tokens, cur.String())
			cur.Reset()
		}
	}
	if cur.Len() > 0 {
		tokens = append(tokens, cur.String())
	}
	return tokens
}

func buildTFIDFIndex(texts []string) *tfidfIndex {
	vocab := make(map[string]int)
	tokenized := make([][]string, len(texts))
	for i, text := range texts {
		tokenized[i] = tokenize(text)
		for _, tok := range tokenized[i] {
			if _, ok := vocab[tok]; !ok {
				vocab[tok] = len(vocab)
			}
		}
	}

	df := make([]int, len(vocab))
	docs := make([]sparseVec, len(texts))
	for i, tokens := range tokenized {
		tf := make(map[int]int)
		for _, tok := range tokens {
			tf[vocab[tok]]++
		}
		vec := make(sparseVec, len(tf))
		for idx, count := range tf {
			vec[idx] = float64(count)
			df[idx]++
		}
		docs[i] = vec
	}

	n := float64(len(texts))
	idf := make([]float64, len(vocab))
	for i, d := range df {
		if d > 0 {
			idf[i] = math.Log(n/float64(d)) + 1.0
		}
	}
	for _, vec := range docs {
		for idx := range vec {
			vec[idx] *= idf[idx]
		}
	}
	return &tfidfIndex{vocab: vocab, idf: idf, docs: docs}
}

// similarity is the cosine similarity of documents a and b.
func (idx *tfidfIndex) similarity(a, b int) float64 {
	return cosineSim(idx.docs[a], idx.docs[b])
}

func cosineSim(a, b sparseVec) float64 {
	var dot, normA, normB float64
	for i, va := range a {
		if vb, ok := b[i]; ok {
			dot += va * vb
		}
		normA += va * va
	}
	for _, vb := range b {
		normB += vb * vb
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// nearDuplicates returns, for each candidate, whether its label is at least
// threshold-similar to any existing label.
func nearDuplicates(existing, candidates []string, threshold float64) []bool {
	texts := make([]string, 0, len(existing)+len(candidates))
	texts = append(texts, existing...)
	texts = append(texts, candidates...)
	idx := buildTFIDFIndex(texts)

	out := make([]bool, len(candidates))
	for ci := range candidates {
		for ei := range existing {
			if idx.similarity(len(existing)+ci, ei) >= threshold {
				out[ci] = true
				break
			}
		}
	}
	return out
}
