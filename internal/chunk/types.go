package chunk

import (
	"context"
	"time"
)

// Size defaults for the code/markdown chunkers. 512 tokens keeps embedding
// recall in the 85-90% band reported for RAG-style retrieval; the 64-token
// overlap (~12.5%) avoids losing symbols that straddle a chunk boundary.
const (
	DefaultMaxChunkTokens = 512
	DefaultOverlapTokens  = 64
	MinChunkTokens        = 100
	TokensPerChar         = 4 // crude chars-per-token estimate, no tokenizer dependency
)

// ContentType distinguishes the chunkers a file can route through.
type ContentType string

const (
	ContentTypeCode     ContentType = "code"
	ContentTypeMarkdown ContentType = "markdown"
	ContentTypeText     ContentType = "text"
)

// Chunk is one retrievable slice of a workspace file: the unit that gets
// embedded, stored, and returned from a search query.
type Chunk struct {
	ID          string // derived from FilePath + StartLine, see chunk ID helpers
	FilePath    string // workspace-relative
	Content     string // RawContent plus any surrounding Context
	RawContent  string // the symbol body alone, code chunks only
	Context     string // package/import preamble, code chunks only
	ContentType ContentType
	Language    string
	StartLine   int // 1-indexed
	EndLine     int // inclusive
	TokenCount  int // the splitter's own estimate for Content; the embedder's tokenizer is authoritative
	Symbols     []*Symbol
	Metadata    map[string]string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// FileInput is one file handed to a Chunker.
type FileInput struct {
	Path     string
	Content  []byte
	Language string
}

// Chunker splits a single file's content into Chunks.
type Chunker interface {
	Chunk(ctx context.Context, file *FileInput) ([]*Chunk, error)
	SupportedExtensions() []string
}

// SymbolType classifies a declaration the tree-sitter extractor found.
type SymbolType string

const (
	SymbolTypeFunction  SymbolType = "function"
	SymbolTypeClass     SymbolType = "class"
	SymbolTypeInterface SymbolType = "interface"
	SymbolTypeType      SymbolType = "type"
	SymbolTypeVariable  SymbolType = "variable"
	SymbolTypeConstant  SymbolType = "constant"
	SymbolTypeMethod    SymbolType = "method"
)

// Symbol is one named declaration (function, method, class, ...) found
// inside a chunk, carried alongside it so search results can surface a
// signature instead of a raw line range.
type Symbol struct {
	Name       string
	Type       SymbolType
	StartLine  int
	EndLine    int
	Signature  string
	DocComment string
}

// Tree is this package's flattened view of a tree-sitter parse: plain
// structs only, so nothing outside chunk needs to import go-tree-sitter.
type Tree struct {
	Root     *Node
	Source   []byte
	Language string
}

// Node is one tree-sitter node, copied into package-local fields.
type Node struct {
	Type       string
	StartByte  uint32
	EndByte    uint32
	StartPoint Point
	EndPoint   Point
	Children   []*Node
	HasError   bool
}

// Point is a 0-indexed row/column source position.
type Point struct {
	Row    uint32
	Column uint32
}

// LanguageConfig lists which tree-sitter node type names, for one language,
// mark a function/class/interface/etc. declaration. See languages.go for
// the populated table.
type LanguageConfig struct {
	Name       string
	Extensions []string

	FunctionTypes  []string
	ClassTypes     []string
	InterfaceTypes []string
	MethodTypes    []string
	TypeDefTypes   []string
	ConstantTypes  []string
	VariableTypes  []string

	NameField string
}
