package chunk

import (
	"context"
	"fmt"

	sitter "github.com/smacker/go-tree-sitter"
)

// Parser drives a tree-sitter grammar selected from a LanguageRegistry and
// flattens its output into this package's own Tree/Node shape, so the
// chunkers never touch smacker/go-tree-sitter types directly.
type Parser struct {
	ts       *sitter.Parser
	registry *LanguageRegistry
}

// NewParser builds a Parser against the package-wide DefaultRegistry.
func NewParser() *Parser {
	return NewParserWithRegistry(DefaultRegistry())
}

// NewParserWithRegistry builds a Parser against a caller-supplied registry,
// for tests that want a narrower set of languages.
func NewParserWithRegistry(registry *LanguageRegistry) *Parser {
	return &Parser{ts: sitter.NewParser(), registry: registry}
}

// Parse parses source as language and returns its AST. The language must
// already be registered (see LanguageRegistry); an unsupported language
// name is an error rather than a silent best-effort parse.
func (p *Parser) Parse(ctx context.Context, source []byte, language string) (*Tree, error) {
	grammar, ok := p.registry.GetTreeSitterLanguage(language)
	if !ok {
		return nil, fmt.Errorf("chunk: no tree-sitter grammar registered for %q", language)
	}
	p.ts.SetLanguage(grammar)

	tsTree, err := p.ts.ParseCtx(ctx, nil, source)
	if err != nil {
		return nil, fmt.Errorf("chunk: parse %s source: %w", language, err)
	}
	if tsTree == nil {
		return nil, fmt.Errorf("chunk: parse %s source: parser returned no tree", language)
	}

	return &Tree{
		Root:     flattenNode(tsTree.RootNode()),
		Source:   source,
		Language: language,
	}, nil
}

// Close releases the underlying tree-sitter parser.
func (p *Parser) Close() {
	if p.ts != nil {
		p.ts.Close()
	}
}

// flattenNode walks a tree-sitter node tree and copies it into this
// package's Node type, which the rest of the chunker package operates on.
func flattenNode(tsNode *sitter.Node) *Node {
	if tsNode == nil {
		return nil
	}

	childCount := int(tsNode.ChildCount())
	node := &Node{
		Type:       tsNode.Type(),
		StartByte:  tsNode.StartByte(),
		EndByte:    tsNode.EndByte(),
		StartPoint: pointOf(tsNode.StartPoint()),
		EndPoint:   pointOf(tsNode.EndPoint()),
		HasError:   tsNode.HasError(),
		Children:   make([]*Node, 0, childCount),
	}
	for i := 0; i < childCount; i++ {
		if child := tsNode.Child(i); child != nil {
			node.Children = append(node.Children, flattenNode(child))
		}
	}
	return node
}

func pointOf(p sitter.Point) Point {
	return Point{Row: p.Row, Column: p.Column}
}

// GetContent slices the original source text a node spans.
func (n *Node) GetContent(source []byte) string {
	if n.StartByte >= n.EndByte || int(n.EndByte) > len(source) {
		return ""
	}
	return string(source[n.StartByte:n.EndByte])
}

// FindChildByType returns the first direct child of the given type, or nil.
func (n *Node) FindChildByType(nodeType string) *Node {
	for _, child := range n.Children {
		if child.Type == nodeType {
			return child
		}
	}
	return nil
}

// FindChildrenByType returns every direct child of the given type.
func (n *Node) FindChildrenByType(nodeType string) []*Node {
	var matches []*Node
	for _, child := range n.Children {
		if child.Type == nodeType {
			matches = append(matches, child)
		}
	}
	return matches
}

// FindAllByType recursively collects every node of the given type, self
// included, in depth-first order.
func (n *Node) FindAllByType(nodeType string) []*Node {
	var matches []*Node
	n.Walk(func(candidate *Node) bool {
		if candidate.Type == nodeType {
			matches = append(matches, candidate)
		}
		return true
	})
	return matches
}

// Walk visits n and its descendants depth-first, pre-order. fn returning
// false prunes that subtree without stopping the overall walk.
func (n *Node) Walk(fn func(*Node) bool) {
	if !fn(n) {
		return
	}
	for _, child := range n.Children {
		child.Walk(fn)
	}
}
