package chunk

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
	"unicode"
)

// CodeChunkerOptions configures chunk sizing. Zero values fall back to the
// package defaults in types.go.
type CodeChunkerOptions struct {
	MaxChunkTokens int
	OverlapTokens  int
}

// CodeChunker splits source files into one chunk per top-level declaration,
// using tree-sitter to find declaration boundaries and falling back to a
// fixed-size line window for unsupported languages or parse failures.
type CodeChunker struct {
	parser    *Parser
	extractor *SymbolExtractor
	registry  *LanguageRegistry
	opts      CodeChunkerOptions
}

// NewCodeChunker builds a CodeChunker with default sizing.
func NewCodeChunker() *CodeChunker {
	return NewCodeChunkerWithOptions(CodeChunkerOptions{})
}

// NewCodeChunkerWithOptions builds a CodeChunker with caller-supplied sizing.
func NewCodeChunkerWithOptions(opts CodeChunkerOptions) *CodeChunker {
	if opts.MaxChunkTokens <= 0 {
		opts.MaxChunkTokens = DefaultMaxChunkTokens
	}
	if opts.OverlapTokens <= 0 {
		opts.OverlapTokens = DefaultOverlapTokens
	}

	registry := DefaultRegistry()
	return &CodeChunker{
		parser:    NewParserWithRegistry(registry),
		extractor: NewSymbolExtractorWithRegistry(registry),
		registry:  registry,
		opts:      opts,
	}
}

// Close releases the underlying tree-sitter parser.
func (c *CodeChunker) Close() {
	if c.parser != nil {
		c.parser.Close()
	}
}

// SupportedExtensions lists the file extensions this chunker has a grammar for.
func (c *CodeChunker) SupportedExtensions() []string {
	return c.registry.SupportedExtensions()
}

// Chunk splits file into one chunk per declaration found by tree-sitter, or
// falls back to fixed-size line windows when the language has no registered
// grammar or the source fails to parse.
func (c *CodeChunker) Chunk(ctx context.Context, file *FileInput) ([]*Chunk, error) {
	chunks, err := c.chunk(ctx, file)
	return fillTokenCounts(chunks), err
}

func (c *CodeChunker) chunk(ctx context.Context, file *FileInput) ([]*Chunk, error) {
	if len(file.Content) == 0 {
		return nil, nil
	}

	if _, supported := c.registry.GetByName(file.Language); !supported {
		return c.windowedChunks(file)
	}

	tree, err := c.parser.Parse(ctx, file.Content, file.Language)
	if err != nil {
		return c.windowedChunks(file)
	}

	preamble := c.filePreamble(tree, file)
	declarations := c.topLevelDeclarations(tree)
	if len(declarations) == 0 {
		return nil, nil
	}

	now := time.Now()
	chunks := make([]*Chunk, 0, len(declarations))
	for _, decl := range declarations {
		chunks = append(chunks, c.chunksForDeclaration(decl, tree, file, preamble, now)...)
	}
	return chunks, nil
}

// declaration is one symbol-defining node found while walking a parsed tree,
// paired with the Symbol extracted from it.
type declaration struct {
	node   *Node
	symbol *Symbol
}

// topLevelDeclarations walks tree and returns every node recognized as a
// declaration for its language, in document order. It shares classify and
// specialCase with SymbolExtractor.Extract so a node is a "declaration" here
// iff it would also produce a Symbol there.
func (c *CodeChunker) topLevelDeclarations(tree *Tree) []*declaration {
	config, ok := c.registry.GetByName(tree.Language)
	if !ok {
		return nil
	}

	var decls []*declaration
	tree.Root.Walk(func(n *Node) bool {
		if sym := c.extractor.specialCase(n, tree.Source, tree.Language); sym != nil {
			decls = append(decls, &declaration{node: n, symbol: sym})
			return true
		}
		if kind, matched := classify(n.Type, config); matched {
			if sym := c.declarationSymbol(n, tree, kind); sym != nil {
				decls = append(decls, &declaration{node: n, symbol: sym})
			}
		}
		return true
	})
	return decls
}

// declarationSymbol builds the minimal Symbol a chunk needs to describe
// itself: name, kind, line range, and a doc comment if one precedes it.
// Unlike SymbolExtractor.fromNode it skips Signature -- the chunk's Content
// already carries the full declaration text.
func (c *CodeChunker) declarationSymbol(n *Node, tree *Tree, kind SymbolType) *Symbol {
	name := c.extractor.nameOf(n, tree.Source, tree.Language)
	if name == "" {
		return nil
	}
	return &Symbol{
		Name:       name,
		Type:       kind,
		StartLine:  int(n.StartPoint.Row) + 1,
		EndLine:    int(n.EndPoint.Row) + 1,
		DocComment: c.commentBlockAbove(n, tree.Source, tree.Language),
	}
}

// commentLinePrefix is the line-comment marker for languages that precede a
// declaration with comments rather than embed a docstring in its body.
var commentLinePrefix = map[string]string{
	"go": "//", "typescript": "//", "tsx": "//", "javascript": "//", "jsx": "//",
	"python": "#",
}

// commentBlockAbove collects every contiguous comment line directly above n,
// working backwards until a blank or non-comment line breaks the run.
func (c *CodeChunker) commentBlockAbove(n *Node, source []byte, language string) string {
	prefix, ok := commentLinePrefix[language]
	if !ok {
		return ""
	}

	lineStart := int(n.StartByte)
	for lineStart > 0 && source[lineStart-1] != '\n' {
		lineStart--
	}
	if lineStart <= 1 {
		return ""
	}

	var lines []string
	pos := lineStart - 1
	for pos > 0 {
		lineEnd := pos
		pos--
		for pos > 0 && source[pos] != '\n' {
			pos--
		}
		start := pos
		if pos > 0 {
			start++
		}

		line := strings.TrimSpace(string(source[start:lineEnd]))
		if strings.HasPrefix(line, prefix) {
			lines = append([]string{strings.TrimPrefix(line, prefix)}, lines...)
			continue
		}
		break
	}

	if len(lines) == 0 {
		return ""
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// chunksForDeclaration turns one declaration into one chunk, or several if
// it's too large to embed as a single unit.
func (c *CodeChunker) chunksForDeclaration(d *declaration, tree *Tree, file *FileInput, preamble string, now time.Time) []*Chunk {
	span := string(tree.Source[d.node.StartByte:d.node.EndByte])
	if d.symbol.DocComment != "" {
		span = c.widenSpanToComment(d.node, tree.Source, d.symbol.DocComment)
	}

	if estimateTokens(span) <= c.opts.MaxChunkTokens {
		return []*Chunk{c.singleChunk(file, span, preamble, d.symbol, now)}
	}
	return c.splitOversizedSpan(span, d.symbol, file, preamble, now, int(d.node.StartPoint.Row)+1)
}

// widenSpanToComment extends a declaration's byte range backwards to include
// its doc comment, so the comment travels with the chunk's stored content.
func (c *CodeChunker) widenSpanToComment(n *Node, source []byte, docComment string) string {
	lineStart := int(n.StartByte)
	for lineStart > 0 && source[lineStart-1] != '\n' {
		lineStart--
	}

	commentLineCount := strings.Count(docComment, "\n") + 1
	for i := 0; i < commentLineCount && lineStart > 0; i++ {
		lineStart--
		for lineStart > 0 && source[lineStart-1] != '\n' {
			lineStart--
		}
	}
	return string(source[lineStart:n.EndByte])
}

// splitOversizedSpan breaks one too-large declaration into overlapping
// line windows. It does not currently split a class by its individual
// methods; that would need per-language grammar knowledge of which children
// of a class node are method declarations, which none of the LanguageConfig
// tables capture today.
func (c *CodeChunker) splitOversizedSpan(content string, symbol *Symbol, file *FileInput, preamble string, now time.Time, startLine int) []*Chunk {
	linesPerChunk := (c.opts.MaxChunkTokens * TokensPerChar) / 80
	overlap := (c.opts.OverlapTokens * TokensPerChar) / 80
	return c.lineWindows(content, preamble, file, now, startLine, linesPerChunk, overlap, func(partNum, start, end int) []*Symbol {
		part := &Symbol{
			Name:      fmt.Sprintf("%s_part%d", symbol.Name, partNum),
			Type:      symbol.Type,
			StartLine: start,
			EndLine:   end,
		}
		if partNum == 1 {
			return []*Symbol{part, {
				Name:      symbol.Name,
				Type:      symbol.Type,
				StartLine: symbol.StartLine,
				EndLine:   symbol.EndLine,
			}}
		}
		return []*Symbol{part}
	})
}

// lineWindows is the shared sliding-window chunker used both for splitting
// one oversized declaration and for the whole-file fallback in
// windowedChunks. makeSymbols builds each window's Symbols list from its
// 1-indexed position (partNum starts at 1) and line range.
func (c *CodeChunker) lineWindows(content, preamble string, file *FileInput, now time.Time, startLine, linesPerChunk, overlap int, makeSymbols func(partNum, start, end int) []*Symbol) []*Chunk {
	lines := strings.Split(content, "\n")
	if len(lines) == 0 {
		return []*Chunk{}
	}

	if linesPerChunk < 20 {
		linesPerChunk = 20
	}
	if overlap < 2 {
		overlap = 2
	}

	var chunks []*Chunk
	for i := 0; i < len(lines); {
		end := i + linesPerChunk
		if end > len(lines) {
			end = len(lines)
		}

		windowContent := strings.Join(lines[i:end], "\n")
		windowStart := startLine + i
		windowEnd := startLine + end - 1

		var symbols []*Symbol
		if makeSymbols != nil {
			symbols = makeSymbols(len(chunks)+1, windowStart, windowEnd)
		}

		contentType := ContentTypeCode
		if makeSymbols == nil {
			contentType = ContentTypeText
		}

		chunks = append(chunks, &Chunk{
			ID:          chunkID(file.Path, windowContent),
			FilePath:    file.Path,
			Content:     joinPreambleAndBody(preamble, windowContent),
			RawContent:  windowContent,
			Context:     preamble,
			ContentType: contentType,
			Language:    file.Language,
			StartLine:   windowStart,
			EndLine:     windowEnd,
			Symbols:     symbols,
			Metadata:    make(map[string]string),
			CreatedAt:   now,
			UpdatedAt:   now,
		})

		i = end - overlap
		if i <= 0 || end >= len(lines) {
			break
		}
	}
	return chunks
}

// singleChunk wraps one declaration's full span as a single chunk.
func (c *CodeChunker) singleChunk(file *FileInput, span, preamble string, symbol *Symbol, now time.Time) *Chunk {
	return &Chunk{
		ID:          chunkID(file.Path, span),
		FilePath:    file.Path,
		Content:     joinPreambleAndBody(preamble, span),
		RawContent:  span,
		Context:     preamble,
		ContentType: ContentTypeCode,
		Language:    file.Language,
		StartLine:   symbol.StartLine,
		EndLine:     symbol.EndLine,
		Symbols:     []*Symbol{symbol},
		Metadata:    make(map[string]string),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// preambleNodeTypes lists, per language, the top-level node types that
// belong in a file's context block (package/import declarations) rather
// than in any one chunk's body.
var preambleNodeTypes = map[string][]string{
	"go":         {"package_clause", "import_declaration"},
	"typescript": {"import_statement"},
	"tsx":        {"import_statement"},
	"javascript": {"import_statement"},
	"jsx":        {"import_statement"},
	"python":     {"import_statement", "import_from_statement"},
}

// filePreamble joins every matching top-level node (see preambleNodeTypes)
// into the context block prepended to each of the file's chunks, with a
// leading file-path marker so an embedding model has the file's location
// even when it only sees one chunk out of many.
func (c *CodeChunker) filePreamble(tree *Tree, file *FileInput) string {
	wanted := preambleNodeTypes[tree.Language]
	var parts []string
	for _, node := range tree.Root.Children {
		for _, t := range wanted {
			if node.Type == t {
				parts = append(parts, node.GetContent(tree.Source))
				break
			}
		}
	}

	body := strings.Join(parts, "\n\n")
	marker := pathMarker(file.Path, tree.Language)
	if marker == "" {
		return body
	}
	if body == "" {
		return marker
	}
	return marker + "\n" + body
}

func pathMarker(filePath, language string) string {
	if filePath == "" {
		return ""
	}
	if language == "python" {
		return fmt.Sprintf("# File: %s", filePath)
	}
	return fmt.Sprintf("// File: %s", filePath)
}

// windowedChunks is the fallback chunker for files whose language has no
// tree-sitter grammar registered, or whose source failed to parse: fixed
// line windows with no symbol awareness.
func (c *CodeChunker) windowedChunks(file *FileInput) ([]*Chunk, error) {
	content := string(file.Content)
	if strings.TrimSpace(content) == "" {
		return nil, nil
	}
	const (
		linesPerWindow = 128 // ~512 tokens, assuming ~4 tokens per line
		overlapLines   = 16  // ~64 tokens at the same rate
	)
	return c.lineWindows(content, "", file, time.Now(), 1, linesPerWindow, overlapLines, nil), nil
}

// fillTokenCounts stamps each chunk with the same token estimate the
// splitter used to pick its boundaries, so consumers don't re-approximate.
func fillTokenCounts(chunks []*Chunk) []*Chunk {
	for _, ch := range chunks {
		ch.TokenCount = estimateTokens(ch.Content)
	}
	return chunks
}

// chunkID derives a stable, content-addressable chunk ID from a file path
// and its chunk content: the same content in the same file always yields
// the same ID, so re-indexing unchanged code doesn't churn embeddings, while
// the same content appearing in two different files still gets distinct IDs.
func chunkID(filePath, content string) string {
	contentHash := sha256.Sum256([]byte(content))
	contentHashHex := hex.EncodeToString(contentHash[:])[:16]

	combined := sha256.Sum256([]byte(filePath + ":" + contentHashHex))
	return hex.EncodeToString(combined[:])[:16]
}

// estimateTokens gives a rough token count for content without depending on
// any tokenizer: 2 for start/end markers, a length-banded cost per
// whitespace-delimited word (<=4 chars: 1, <=10: 2, longer: ceil(len/4)),
// plus half the punctuation/symbol rune count. CJK runes don't form
// space-delimited words, so each counts as a token of its own and is
// excluded from the word-length banding. It is only ever used to pick a
// chunking boundary -- the embedder's own tokenizer is authoritative.
func estimateTokens(content string) int {
	tokens := 2
	punctuation := 0

	for _, word := range strings.FieldsFunc(content, unicode.IsSpace) {
		n := 0
		for _, r := range word {
			if isCJK(r) {
				tokens++
				continue
			}
			n++
			if unicode.IsPunct(r) || unicode.IsSymbol(r) {
				punctuation++
			}
		}
		switch {
		case n == 0:
		case n <= 4:
			tokens++
		case n <= 10:
			tokens += 2
		default:
			tokens += (n + 3) / 4
		}
	}

	return tokens + punctuation/2
}

// isCJK reports whether r belongs to a script tokenized per-character by
// subword embedding models.
func isCJK(r rune) bool {
	return unicode.Is(unicode.Han, r) ||
		unicode.Is(unicode.Hiragana, r) ||
		unicode.Is(unicode.Katakana, r) ||
		unicode.Is(unicode.Hangul, r)
}

func joinPreambleAndBody(preamble, body string) string {
	if preamble == "" {
		return body
	}
	return preamble + "\n\n" + body
}
