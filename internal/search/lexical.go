package search

import (
	"strings"
	"sync"

	"github.com/blevesearch/bleve/v2/analysis"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/registry"

	"github.com/softerist/heuristic-mcp-sub001/internal/store"
)

// standardAnalyzer resolves bleve's standard analyzer once through the
// registry cache, the same way bleve's own index mapping materializes it.
var standardAnalyzer = sync.OnceValue(func() analysis.Analyzer {
	an, err := registry.NewCache().AnalyzerNamed(standard.Name)
	if err != nil {
		return nil
	}
	return an
})

// tokenize splits text into lowercase alphanumeric tokens using bleve's
// standard analyzer. Only the tokenizer is exercised here; lexical scoring
// itself is a plain token-overlap ratio, not bleve's BM25 index/scorer. If
// the analyzer fails to construct, the hand-rolled code tokenizer used for
// chunk-side symbol splitting serves as the fallback.
func tokenize(text string) []string {
	an := standardAnalyzer()
	if an == nil {
		return store.TokenizeCode(text)
	}
	stream := an.Analyze([]byte(text))
	tokens := make([]string, 0, len(stream))
	for _, tok := range stream {
		if tok == nil || len(tok.Term) == 0 {
			continue
		}
		tokens = append(tokens, strings.ToLower(string(tok.Term)))
	}
	return tokens
}

// lexicalScore computes the sparse half of the hybrid score:
// lex = exactMatchBoost × (token hits / |tokens|).
func lexicalScore(queryTokens []string, content string, exactMatchBoost float64) float64 {
	if len(queryTokens) == 0 {
		return 0
	}
	contentSet := make(map[string]struct{}, 32)
	for _, t := range tokenize(content) {
		contentSet[t] = struct{}{}
	}
	hits := 0
	for _, qt := range queryTokens {
		if _, ok := contentSet[qt]; ok {
			hits++
		}
	}
	return exactMatchBoost * (float64(hits) / float64(len(queryTokens)))
}
