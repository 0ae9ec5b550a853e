package store

import (
	"regexp"
	"strings"
	"unicode"
)

// identifierPattern matches a maximal run of letters, digits, or
// underscores -- the raw "word" boundary before camelCase/snake_case
// splitting kicks in.
var identifierPattern = regexp.MustCompile(`[a-zA-Z0-9_]+`)

// TokenizeCode extracts lexical tokens from source text for the hybrid
// search engine's token-overlap signal. It is the fallback path the
// search package's tokenizer reaches for when bleve's analyzer is
// unavailable: carve out identifier-shaped words, split each on
// snake_case and camelCase boundaries, lowercase everything, and drop
// anything shorter than two characters.
func TokenizeCode(text string) []string {
	var tokens []string
	for _, word := range identifierPattern.FindAllString(text, -1) {
		for _, part := range SplitCodeToken(word) {
			if lower := strings.ToLower(part); len(lower) >= 2 {
				tokens = append(tokens, lower)
			}
		}
	}
	return tokens
}

// SplitCodeToken breaks one identifier-shaped word into its snake_case
// segments, then further splits each segment on camelCase boundaries.
func SplitCodeToken(token string) []string {
	if !strings.Contains(token, "_") {
		return SplitCamelCase(token)
	}
	var parts []string
	for _, segment := range strings.Split(token, "_") {
		if segment != "" {
			parts = append(parts, SplitCamelCase(segment)...)
		}
	}
	return parts
}

// SplitCamelCase breaks camelCase/PascalCase text at case transitions,
// keeping acronym runs ("HTTP" in "parseHTTPRequest") intact as one token.
func SplitCamelCase(s string) []string {
	if s == "" {
		return []string{}
	}

	runes := []rune(s)
	result := make([]string, 0, 4)
	var segment strings.Builder

	for i, r := range runes {
		startsNewSegment := i > 0 && unicode.IsUpper(r) &&
			(unicode.IsLower(runes[i-1]) || (i+1 < len(runes) && unicode.IsLower(runes[i+1])))
		if startsNewSegment && segment.Len() > 0 {
			result = append(result, segment.String())
			segment.Reset()
		}
		segment.WriteRune(r)
	}
	if segment.Len() > 0 {
		result = append(result, segment.String())
	}
	return result
}

// FilterStopWords drops tokens present in stopWords (case-insensitively),
// preserving the original casing of tokens that survive.
func FilterStopWords(tokens []string, stopWords map[string]struct{}) []string {
	kept := make([]string, 0, len(tokens))
	for _, token := range tokens {
		if _, isStop := stopWords[strings.ToLower(token)]; !isStop {
			kept = append(kept, token)
		}
	}
	return kept
}

// BuildStopWordMap lowercases a stop-word list into a set for FilterStopWords.
func BuildStopWordMap(stopWords []string) map[string]struct{} {
	set := make(map[string]struct{}, len(stopWords))
	for _, word := range stopWords {
		set[strings.ToLower(word)] = struct{}{}
	}
	return set
}
