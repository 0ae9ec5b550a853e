package chunk

import "strings"

// SymbolExtractor walks a parsed Tree and pulls out the declarations
// (functions, methods, classes, ...) that LanguageConfig identifies for
// that tree's language.
type SymbolExtractor struct {
	registry *LanguageRegistry
}

// NewSymbolExtractor builds an extractor against the package-wide registry.
func NewSymbolExtractor() *SymbolExtractor {
	return NewSymbolExtractorWithRegistry(DefaultRegistry())
}

// NewSymbolExtractorWithRegistry builds an extractor against a caller-supplied
// registry, mainly for tests that register a narrower language set.
func NewSymbolExtractorWithRegistry(registry *LanguageRegistry) *SymbolExtractor {
	return &SymbolExtractor{registry: registry}
}

// symbolKindLookup pairs a SymbolType with the LanguageConfig field listing
// which tree-sitter node type names count as that kind. classify walks this
// table in order so a node matching multiple lists (shouldn't happen with a
// well-formed grammar) resolves to the first, most-specific match.
type symbolKindLookup struct {
	kind  SymbolType
	types func(*LanguageConfig) []string
}

var symbolKinds = []symbolKindLookup{
	{SymbolTypeFunction, func(c *LanguageConfig) []string { return c.FunctionTypes }},
	{SymbolTypeMethod, func(c *LanguageConfig) []string { return c.MethodTypes }},
	{SymbolTypeClass, func(c *LanguageConfig) []string { return c.ClassTypes }},
	{SymbolTypeInterface, func(c *LanguageConfig) []string { return c.InterfaceTypes }},
	{SymbolTypeType, func(c *LanguageConfig) []string { return c.TypeDefTypes }},
	{SymbolTypeConstant, func(c *LanguageConfig) []string { return c.ConstantTypes }},
	{SymbolTypeVariable, func(c *LanguageConfig) []string { return c.VariableTypes }},
}

// classify returns the SymbolType a node's tree-sitter type name maps to,
// per config, and whether any mapping matched at all.
func classify(nodeType string, config *LanguageConfig) (SymbolType, bool) {
	for _, lookup := range symbolKinds {
		for _, candidate := range lookup.types(config) {
			if candidate == nodeType {
				return lookup.kind, true
			}
		}
	}
	return "", false
}

// Extract returns every Symbol found in tree, in depth-first document order.
// A tree with no registered LanguageConfig, or with a nil root, yields an
// empty (never nil) slice so callers can range over it unconditionally.
func (e *SymbolExtractor) Extract(tree *Tree, source []byte) []*Symbol {
	if tree == nil || tree.Root == nil {
		return []*Symbol{}
	}

	config, ok := e.registry.GetByName(tree.Language)
	if !ok {
		return []*Symbol{}
	}

	symbols := make([]*Symbol, 0)
	tree.Root.Walk(func(n *Node) bool {
		if symbol := e.fromNode(n, source, config, tree.Language); symbol != nil {
			symbols = append(symbols, symbol)
		}
		return true
	})
	return symbols
}

// fromNode builds a Symbol from n if it's a declaration LanguageConfig
// recognizes, falling back to language-specific special cases (JS/TS arrow
// functions assigned to a const) that no grammar tags with a dedicated node
// type of their own.
func (e *SymbolExtractor) fromNode(n *Node, source []byte, config *LanguageConfig, language string) *Symbol {
	kind, ok := classify(n.Type, config)
	if !ok {
		return e.specialCase(n, source, language)
	}

	name := e.nameOf(n, source, language)
	if name == "" {
		return nil
	}

	return &Symbol{
		Name:       name,
		Type:       kind,
		StartLine:  int(n.StartPoint.Row) + 1,
		EndLine:    int(n.EndPoint.Row) + 1,
		Signature:  e.signatureOf(n, source, kind, language),
		DocComment: e.docCommentAbove(n, source, language),
	}
}

// nameExtractors dispatches a declaration node to the per-language rule
// that knows where its identifier lives in the grammar.
var nameExtractors = map[string]func(*Node, []byte) string{
	"go":         goDeclName,
	"typescript": jsFamilyDeclName,
	"tsx":        jsFamilyDeclName,
	"javascript": jsFamilyDeclName,
	"jsx":        jsFamilyDeclName,
	"python":     firstIdentifierChild,
}

func (e *SymbolExtractor) nameOf(n *Node, source []byte, language string) string {
	if extract, ok := nameExtractors[language]; ok {
		return extract(n, source)
	}
	return firstIdentifierChild(n, source)
}

func firstIdentifierChild(n *Node, source []byte) string {
	for _, child := range n.Children {
		if child.Type == "identifier" {
			return child.GetContent(source)
		}
	}
	return ""
}

// goDeclFieldsByType maps a Go declaration node type to the child node type
// that carries its name, and whether that child sits directly under n or one
// level further down inside a _spec child (const/var/type blocks nest their
// declarators that way so a single "const (...)" node can hold several names;
// this extractor always takes the first).
var goDeclFieldsByType = map[string]struct {
	identifierType string
	viaSpec        string // non-empty: look inside this child type first
}{
	"function_declaration": {identifierType: "identifier"},
	"method_declaration":   {identifierType: "field_identifier"},
	"type_declaration":     {identifierType: "type_identifier", viaSpec: "type_spec"},
	"const_declaration":    {identifierType: "identifier", viaSpec: "const_spec"},
	"var_declaration":      {identifierType: "identifier", viaSpec: "var_spec"},
}

func goDeclName(n *Node, source []byte) string {
	rule, ok := goDeclFieldsByType[n.Type]
	if !ok {
		return ""
	}
	if rule.viaSpec == "" {
		return firstChildOfType(n, rule.identifierType, source)
	}
	for _, child := range n.Children {
		if child.Type == rule.viaSpec {
			if name := firstChildOfType(child, rule.identifierType, source); name != "" {
				return name
			}
		}
	}
	return ""
}

func firstChildOfType(n *Node, nodeType string, source []byte) string {
	for _, child := range n.Children {
		if child.Type == nodeType {
			return child.GetContent(source)
		}
	}
	return ""
}

// jsFamilyDeclName covers typescript/tsx/javascript/jsx. "const x = ..." and
// "let x = ..." parse as lexical_declaration, "var x = ..." as
// variable_declaration; both nest the name inside a variable_declarator.
// Everything else (function/class/interface declarations) carries its name
// as a direct identifier or type_identifier child.
func jsFamilyDeclName(n *Node, source []byte) string {
	if n.Type == "lexical_declaration" || n.Type == "variable_declaration" {
		for _, child := range n.Children {
			if child.Type != "variable_declarator" {
				continue
			}
			if name := firstChildOfType(child, "identifier", source); name != "" {
				return name
			}
		}
	}
	for _, child := range n.Children {
		if child.Type == "identifier" || child.Type == "type_identifier" {
			return child.GetContent(source)
		}
	}
	return ""
}

var jsFamilyLanguages = map[string]bool{
	"typescript": true, "tsx": true, "javascript": true, "jsx": true,
}

var jsFunctionNodeTypes = map[string]bool{
	"arrow_function": true, "function": true, "function_expression": true,
}

// specialCase catches declarations a grammar doesn't give a dedicated node
// type: `const handler = () => {}` and `const handler = function() {}` both
// parse as a plain variable declaration with a function-shaped initializer,
// so they'd otherwise be invisible to classify.
func (e *SymbolExtractor) specialCase(n *Node, source []byte, language string) *Symbol {
	if !jsFamilyLanguages[language] {
		return nil
	}
	if n.Type != "lexical_declaration" && n.Type != "variable_declaration" {
		return nil
	}

	for _, declarator := range n.Children {
		if declarator.Type != "variable_declarator" {
			continue
		}
		var name string
		var isFunction bool
		for _, child := range declarator.Children {
			switch {
			case child.Type == "identifier":
				name = child.GetContent(source)
			case jsFunctionNodeTypes[child.Type]:
				isFunction = true
			}
		}
		if name == "" || !isFunction {
			continue
		}
		return &Symbol{
			Name:      name,
			Type:      SymbolTypeFunction,
			StartLine: int(n.StartPoint.Row) + 1,
			EndLine:   int(n.EndPoint.Row) + 1,
			Signature: functionSignature(n.GetContent(source), "javascript"),
		}
	}
	return nil
}

// docCommentAbove looks for a single-line comment on the line immediately
// preceding n and, for the languages that use "//" line comments, returns its
// text. Python docstrings live inside the body rather than above it, so they
// fall outside this heuristic entirely.
func (e *SymbolExtractor) docCommentAbove(n *Node, source []byte, language string) string {
	if language == "python" {
		return ""
	}
	if n.StartPoint.Row == 0 {
		return ""
	}

	lineStart := int(n.StartByte)
	for lineStart > 0 && source[lineStart-1] != '\n' {
		lineStart--
	}
	if lineStart <= 1 {
		return ""
	}

	prevLineEnd := lineStart - 1
	prevLineStart := prevLineEnd - 1
	for prevLineStart > 0 && source[prevLineStart-1] != '\n' {
		prevLineStart--
	}

	prevLine := strings.TrimSpace(string(source[prevLineStart:prevLineEnd]))
	if strings.HasPrefix(prevLine, "//") {
		return strings.TrimPrefix(prevLine, "//")
	}
	return ""
}

// signatureOf extracts just enough of n's source text to describe its
// interface (the part before the body), so an embedding model or a search
// result preview doesn't need the whole declaration.
func (e *SymbolExtractor) signatureOf(n *Node, source []byte, kind SymbolType, language string) string {
	content := n.GetContent(source)
	if content == "" {
		return ""
	}
	switch kind {
	case SymbolTypeFunction, SymbolTypeMethod:
		return functionSignature(content, language)
	case SymbolTypeClass, SymbolTypeInterface, SymbolTypeType:
		return typeSignature(content, language)
	}
	return ""
}

func firstLineOf(content string) string {
	lines := strings.SplitN(content, "\n", 2)
	if len(lines) == 0 {
		return ""
	}
	return strings.TrimSpace(lines[0])
}

// upToBrace trims a line at its first "{", or returns it unchanged if there
// isn't one (an arrow function without braces, or a type alias).
func upToBrace(line string) string {
	if idx := strings.Index(line, "{"); idx != -1 {
		return strings.TrimSpace(line[:idx])
	}
	return line
}

// functionSignature returns the declaration line of a function or method,
// trimmed at its opening brace for every brace language; Python keeps its
// trailing colon since that's the syntactic end of the signature there.
func functionSignature(content, language string) string {
	firstLine := firstLineOf(content)
	if language == "python" {
		return firstLine
	}
	return upToBrace(firstLine)
}

// typeSignature returns the declaration line of a class/interface/type,
// same brace-trimming rule as functionSignature.
func typeSignature(content, language string) string {
	firstLine := firstLineOf(content)
	if language == "python" {
		return firstLine
	}
	return upToBrace(firstLine)
}
