package chunk

import (
	"strings"
	"sync"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"
	"github.com/smacker/go-tree-sitter/typescript/tsx"
	"github.com/smacker/go-tree-sitter/typescript/typescript"
)

// grammarSpec pairs a LanguageConfig (which grammar node types count as a
// function/class/etc.) with the compiled tree-sitter grammar that produces
// those node types.
type grammarSpec struct {
	config *LanguageConfig
	lang   *sitter.Language
}

// LanguageRegistry resolves a file extension or language name to its
// LanguageConfig and tree-sitter grammar.
type LanguageRegistry struct {
	mu    sync.RWMutex
	specs map[string]grammarSpec // keyed by language name
	byExt map[string]string      // extension -> language name
}

// NewLanguageRegistry builds a registry preloaded with this package's
// supported languages (see buildLangTable).
func NewLanguageRegistry() *LanguageRegistry {
	r := &LanguageRegistry{
		specs: make(map[string]grammarSpec),
		byExt: make(map[string]string),
	}
	for _, spec := range buildLangTable() {
		r.register(spec)
	}
	return r
}

func (r *LanguageRegistry) register(spec grammarSpec) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.specs[spec.config.Name] = spec
	for _, ext := range spec.config.Extensions {
		r.byExt[ext] = spec.config.Name
	}
}

// GetByExtension looks up a LanguageConfig by file extension (with or
// without a leading dot; case-insensitive).
func (r *LanguageRegistry) GetByExtension(ext string) (*LanguageConfig, bool) {
	ext = normalizeExt(ext)

	r.mu.RLock()
	defer r.mu.RUnlock()

	name, ok := r.byExt[ext]
	if !ok {
		return nil, false
	}
	return r.specs[name].config, true
}

// GetByName looks up a LanguageConfig by language name ("go", "python", ...).
func (r *LanguageRegistry) GetByName(name string) (*LanguageConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	spec, ok := r.specs[name]
	if !ok {
		return nil, false
	}
	return spec.config, true
}

// GetTreeSitterLanguage returns the compiled grammar for a language name.
func (r *LanguageRegistry) GetTreeSitterLanguage(name string) (*sitter.Language, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	spec, ok := r.specs[name]
	if !ok {
		return nil, false
	}
	return spec.lang, true
}

// SupportedExtensions lists every registered file extension.
func (r *LanguageRegistry) SupportedExtensions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	exts := make([]string, 0, len(r.byExt))
	for ext := range r.byExt {
		exts = append(exts, ext)
	}
	return exts
}

func normalizeExt(ext string) string {
	ext = strings.ToLower(ext)
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return ext
}

// buildLangTable is the single source of truth mapping each supported
// language to the tree-sitter node type names that mark a function, class,
// interface, method, type, constant, or variable declaration. TSX and JSX
// share their parent language's node vocabulary exactly (tsx is a superset
// grammar of typescript; jsx reuses the plain javascript grammar), so
// cloneConfigAs derives them instead of repeating the tables.
func buildLangTable() []grammarSpec {
	goConfig := &LanguageConfig{
		Name:          "go",
		Extensions:    []string{".go"},
		FunctionTypes: []string{"function_declaration"},
		MethodTypes:   []string{"method_declaration"},
		TypeDefTypes:  []string{"type_declaration"}, // Go interfaces are type declarations too
		ConstantTypes: []string{"const_declaration"},
		VariableTypes: []string{"var_declaration"},
		NameField:     "name",
	}

	tsConfig := &LanguageConfig{
		Name:           "typescript",
		Extensions:     []string{".ts"},
		FunctionTypes:  []string{"function_declaration"},
		MethodTypes:    []string{"method_definition"},
		ClassTypes:     []string{"class_declaration"},
		InterfaceTypes: []string{"interface_declaration"},
		TypeDefTypes:   []string{"type_alias_declaration"},
		ConstantTypes:  []string{"lexical_declaration"}, // const and let
		VariableTypes:  []string{"variable_declaration"},
		NameField:      "name",
	}
	tsxConfig := cloneConfigAs(tsConfig, "tsx", []string{".tsx"})

	jsConfig := &LanguageConfig{
		Name:          "javascript",
		Extensions:    []string{".js", ".mjs"},
		FunctionTypes: []string{"function_declaration", "function"},
		MethodTypes:   []string{"method_definition"},
		ClassTypes:    []string{"class_declaration"},
		ConstantTypes: []string{"lexical_declaration"},
		VariableTypes: []string{"variable_declaration"},
		NameField:     "name",
	}
	jsxConfig := cloneConfigAs(jsConfig, "jsx", []string{".jsx"})

	pyConfig := &LanguageConfig{
		Name:          "python",
		Extensions:    []string{".py"},
		FunctionTypes: []string{"function_definition"},
		ClassTypes:    []string{"class_definition"},
		VariableTypes: []string{"assignment"}, // any assignment, nested ones included
		NameField:     "name",
	}

	return []grammarSpec{
		{goConfig, golang.GetLanguage()},
		{tsConfig, typescript.GetLanguage()},
		{tsxConfig, tsx.GetLanguage()},
		{jsConfig, javascript.GetLanguage()},
		{jsxConfig, javascript.GetLanguage()},
		{pyConfig, python.GetLanguage()},
	}
}

// cloneConfigAs copies base under a new language name and extension set.
func cloneConfigAs(base *LanguageConfig, name string, exts []string) *LanguageConfig {
	clone := *base
	clone.Name = name
	clone.Extensions = exts
	return &clone
}

var defaultRegistry = NewLanguageRegistry()

// DefaultRegistry returns the package-wide language registry chunkers share.
func DefaultRegistry() *LanguageRegistry {
	return defaultRegistry
}
