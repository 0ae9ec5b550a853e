package chunk

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// MarkdownChunkerOptions configures chunk sizing for MarkdownChunker. Zero
// values fall back to the package defaults in types.go.
type MarkdownChunkerOptions struct {
	MaxChunkTokens int
	OverlapTokens  int
}

// MarkdownChunker splits a Markdown (or MDX) file along its header
// hierarchy: one chunk per section, falling back to paragraph windows for
// headerless content or sections too large to embed whole. It holds no
// state between calls.
type MarkdownChunker struct {
	opts MarkdownChunkerOptions
}

var (
	mdHeaderPattern      = regexp.MustCompile(`(?m)^(#{1,6})\s+(.+)$`)
	mdFrontmatterPattern = regexp.MustCompile(`(?s)^---\n(.+?)\n---\n*`)
	mdCodeFencePattern   = regexp.MustCompile("(?s)```[^`]*```")
	mdxVoidTagPattern    = regexp.MustCompile(`<[A-Z][a-zA-Z0-9]*[^>]*/\s*>`)
	mdTablePattern       = regexp.MustCompile(`(?m)^\|.+\|$(\n^\|[-:|]+\|$)?(\n^\|.+\|$)*`)
	mdxOpenTagPattern    = regexp.MustCompile(`<([A-Z][a-zA-Z0-9]*)[^/>]*>`)
)

// NewMarkdownChunker builds a MarkdownChunker with default sizing.
func NewMarkdownChunker() *MarkdownChunker {
	return NewMarkdownChunkerWithOptions(MarkdownChunkerOptions{})
}

// NewMarkdownChunkerWithOptions builds a MarkdownChunker with caller-supplied sizing.
func NewMarkdownChunkerWithOptions(opts MarkdownChunkerOptions) *MarkdownChunker {
	if opts.MaxChunkTokens <= 0 {
		opts.MaxChunkTokens = DefaultMaxChunkTokens
	}
	if opts.OverlapTokens <= 0 {
		opts.OverlapTokens = DefaultOverlapTokens
	}
	return &MarkdownChunker{opts: opts}
}

// Close satisfies the same lifecycle shape as CodeChunker.Close; this
// chunker holds no resources to release.
func (c *MarkdownChunker) Close() {}

// SupportedExtensions lists the extensions routed to this chunker.
func (c *MarkdownChunker) SupportedExtensions() []string {
	return []string{".md", ".markdown", ".mdx"}
}

// Chunk splits file into a leading frontmatter chunk (if present) followed
// by one chunk per header section, or paragraph-window chunks if the file
// has no headers at all.
func (c *MarkdownChunker) Chunk(ctx context.Context, file *FileInput) ([]*Chunk, error) {
	chunks, err := c.chunk(ctx, file)
	return fillTokenCounts(chunks), err
}

func (c *MarkdownChunker) chunk(_ context.Context, file *FileInput) ([]*Chunk, error) {
	content := string(file.Content)
	if strings.TrimSpace(content) == "" {
		return nil, nil
	}

	now := time.Now()
	var chunks []*Chunk
	body := content

	hasFrontmatter := false
	if match := mdFrontmatterPattern.FindString(body); match != "" {
		chunks = append(chunks, c.frontmatterChunk(file, match, now))
		body = body[len(match):]
		hasFrontmatter = true
	}

	sections := splitIntoSections(body)
	if len(sections) == 0 {
		return append(chunks, c.paragraphWindows(file, body, "", 1, now)...), nil
	}

	lineOffset := 1
	if hasFrontmatter {
		lineOffset = strings.Count(content[:len(content)-len(body)], "\n") + 1
	}
	for _, sec := range sections {
		chunks = append(chunks, c.sectionChunks(file, sec, lineOffset, now)...)
	}
	return chunks, nil
}

// mdSection is one header-delimited region of a document: the header text
// itself plus everything up to (not including) the next header of any
// level.
type mdSection struct {
	level     int
	title     string
	path      string // breadcrumb, e.g. "Top > Middle > Deep"
	body      string
	startLine int // 0-indexed, relative to the content passed to splitIntoSections
}

// splitIntoSections walks content line by line, opening a new mdSection
// each time a header line matches mdHeaderPattern and tracking a per-level
// title stack so each section's path reflects its full ancestry.
func splitIntoSections(content string) []*mdSection {
	lines := strings.Split(content, "\n")
	titleStack := make([]string, 6)

	var sections []*mdSection
	var current *mdSection
	var body strings.Builder

	flush := func() {
		if current != nil {
			current.body = body.String()
			sections = append(sections, current)
			body.Reset()
		}
	}

	for lineNum, line := range lines {
		if match := mdHeaderPattern.FindStringSubmatch(line); match != nil {
			flush()

			level := len(match[1])
			title := strings.TrimSpace(match[2])

			titleStack[level-1] = title
			for i := level; i < 6; i++ {
				titleStack[i] = ""
			}

			var breadcrumb []string
			for i := 0; i < level; i++ {
				if titleStack[i] != "" {
					breadcrumb = append(breadcrumb, titleStack[i])
				}
			}

			current = &mdSection{
				level:     level,
				title:     title,
				path:      strings.Join(breadcrumb, " > "),
				startLine: lineNum,
			}
			body.WriteString(line)
			body.WriteString("\n")
			continue
		}
		body.WriteString(line)
		body.WriteString("\n")
	}
	flush()

	return sections
}

// frontmatterChunk wraps a leading YAML frontmatter block as its own chunk,
// tagged with Metadata["type"]="frontmatter" so downstream consumers can
// recognize and skip it when building embeddings context.
func (c *MarkdownChunker) frontmatterChunk(file *FileInput, raw string, now time.Time) *Chunk {
	lineCount := strings.Count(raw, "\n")
	if lineCount == 0 {
		lineCount = 1
	}
	return &Chunk{
		ID:          chunkID(file.Path, raw),
		FilePath:    file.Path,
		Content:     raw,
		RawContent:  raw,
		ContentType: ContentTypeMarkdown,
		Language:    "markdown",
		StartLine:   1,
		EndLine:     lineCount,
		Metadata: map[string]string{
			"type":         "frontmatter",
			"header_path":  "",
			"header_level": "0",
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// sectionMetadata builds the Metadata map every non-frontmatter markdown
// chunk carries, identifying which header section it came from.
func sectionMetadata(sec *mdSection) map[string]string {
	return map[string]string{
		"header_path":   sec.path,
		"header_level":  strconv.Itoa(sec.level),
		"section_title": sec.title,
	}
}

// sectionChunks turns one section into one chunk (if it fits) or several
// paragraph-window chunks (if it doesn't). A section containing nothing but
// its own header line is dropped entirely.
func (c *MarkdownChunker) sectionChunks(file *FileInput, sec *mdSection, lineOffset int, now time.Time) []*Chunk {
	body := strings.TrimRight(sec.body, "\n")

	trimmed := strings.TrimSpace(body)
	if lines := strings.Split(trimmed, "\n"); len(lines) <= 1 && mdHeaderPattern.MatchString(trimmed) {
		return []*Chunk{}
	}

	if estimateTokens(body) <= c.opts.MaxChunkTokens {
		startLine := lineOffset + sec.startLine
		return []*Chunk{{
			ID:          chunkID(file.Path, body),
			FilePath:    file.Path,
			Content:     body,
			RawContent:  body,
			ContentType: ContentTypeMarkdown,
			Language:    "markdown",
			StartLine:   startLine,
			EndLine:     startLine + strings.Count(body, "\n"),
			Metadata:    sectionMetadata(sec),
			CreatedAt:   now,
			UpdatedAt:   now,
		}}
	}

	return c.splitOversizedSection(file, sec, body, lineOffset+sec.startLine, now)
}

// splitOversizedSection breaks one section too large to embed whole into
// paragraph-sized windows. Fenced code blocks and tables are kept intact;
// an MDX component whose body contains a blank line can be split across
// two windows.
func (c *MarkdownChunker) splitOversizedSection(file *FileInput, sec *mdSection, body string, startLine int, now time.Time) []*Chunk {
	paragraphs := splitIntoParagraphs(body)

	var chunks []*Chunk
	var buf strings.Builder
	lineCursor := startLine
	linesSeen := 0

	for i, para := range paragraphs {
		paraLines := strings.Count(para, "\n") + 1
		paraTokens := estimateTokens(para)
		bufTokens := estimateTokens(buf.String())

		if buf.Len() > 0 && bufTokens+paraTokens > c.opts.MaxChunkTokens {
			chunks = append(chunks, c.windowChunk(file, sec, buf.String(), lineCursor, linesSeen, now))
			buf.Reset()
			lineCursor = startLine + linesSeen

			if i > 0 {
				buf.WriteString("<!-- Section: ")
				buf.WriteString(sec.path)
				buf.WriteString(" -->\n\n")
			}
		}

		buf.WriteString(para)
		buf.WriteString("\n\n")
		linesSeen += paraLines + 1
	}

	if buf.Len() > 0 {
		chunks = append(chunks, c.windowChunk(file, sec, buf.String(), lineCursor, linesSeen, now))
	}
	return chunks
}

// windowChunk wraps one paragraph-window's accumulated text as a chunk,
// tagged with its owning section's metadata.
func (c *MarkdownChunker) windowChunk(file *FileInput, sec *mdSection, content string, startLine, lineCount int, now time.Time) *Chunk {
	content = strings.TrimRight(content, "\n ")
	return &Chunk{
		ID:          chunkID(file.Path, content),
		FilePath:    file.Path,
		Content:     content,
		RawContent:  content,
		ContentType: ContentTypeMarkdown,
		Language:    "markdown",
		StartLine:   startLine,
		EndLine:     startLine + lineCount,
		Metadata:    sectionMetadata(sec),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// atomicSpans locates byte ranges that must never be split across two
// chunks: fenced code blocks, tables, and MDX components (both
// self-closing and open/close pairs).
func atomicSpans(content string) [][]int {
	var spans [][]int
	spans = append(spans, mdCodeFencePattern.FindAllStringIndex(content, -1)...)
	spans = append(spans, mdTablePattern.FindAllStringIndex(content, -1)...)
	spans = append(spans, mdxVoidTagPattern.FindAllStringIndex(content, -1)...)
	spans = append(spans, mdxBlockComponentSpans(content)...)
	return spans
}

// mdxBlockComponentSpans finds <Component>...</Component> pairs by scanning
// for an uppercase-led opening tag and searching forward for its matching
// closing tag by name; it does not handle nested same-name components.
func mdxBlockComponentSpans(content string) [][]int {
	var spans [][]int

	for _, m := range mdxOpenTagPattern.FindAllStringSubmatchIndex(content, -1) {
		if len(m) < 4 {
			continue
		}
		tagName := content[m[2]:m[3]]
		closeTag := "</" + tagName + ">"

		if rel := strings.Index(content[m[1]:], closeTag); rel != -1 {
			spans = append(spans, []int{m[0], m[1] + rel + len(closeTag)})
		}
	}
	return spans
}

// splitIntoParagraphs breaks content on blank lines, then re-merges any
// paragraph that split the inside of a fenced code block back together.
// Tables cannot contain blank lines, so they survive the split whole; MDX
// block components are not rejoined, so one with a blank line inside is
// split like ordinary text.
func splitIntoParagraphs(content string) []string {
	_ = atomicSpans(content) // table/MDX spans are informational; code fences are repaired below

	var raw []string
	for _, part := range strings.Split(content, "\n\n") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			raw = append(raw, trimmed)
		}
	}
	return rejoinSeveredCodeFences(raw)
}

// rejoinSeveredCodeFences re-merges paragraphs that a blank-line split cut
// in the middle of a ``` fenced block, by tracking an odd/even count of
// ``` markers across the paragraph stream.
func rejoinSeveredCodeFences(paragraphs []string) []string {
	var result []string
	var open bool
	var fence strings.Builder

	for _, para := range paragraphs {
		if open {
			fence.WriteString("\n\n")
			fence.WriteString(para)
			if strings.Contains(para, "```") {
				result = append(result, fence.String())
				fence.Reset()
				open = false
			}
			continue
		}

		if fences := strings.Count(para, "```"); fences > 0 && fences%2 == 1 {
			open = true
			fence.WriteString(para)
			continue
		}
		result = append(result, para)
	}

	if open {
		result = append(result, fence.String())
	}
	return result
}

// paragraphWindows chunks headerless content by paragraph, used both for a
// file with no Markdown headers at all and (via the same metadata shape)
// wherever a headerless region needs the same treatment.
func (c *MarkdownChunker) paragraphWindows(file *FileInput, content, headerPath string, startLine int, now time.Time) []*Chunk {
	var chunks []*Chunk
	var buf strings.Builder
	lineCursor := startLine
	linesSeen := 0

	flush := func() {
		if buf.Len() == 0 {
			return
		}
		text := buf.String()
		chunks = append(chunks, &Chunk{
			ID:          chunkID(file.Path, text),
			FilePath:    file.Path,
			Content:     text,
			RawContent:  text,
			ContentType: ContentTypeMarkdown,
			Language:    "markdown",
			StartLine:   lineCursor,
			EndLine:     lineCursor + linesSeen,
			Metadata: map[string]string{
				"header_path":   headerPath,
				"header_level":  "0",
				"section_title": "",
			},
			CreatedAt: now,
			UpdatedAt: now,
		})
		buf.Reset()
	}

	for _, raw := range strings.Split(content, "\n\n") {
		para := strings.TrimSpace(raw)
		if para == "" {
			continue
		}

		paraLines := strings.Count(para, "\n") + 1
		paraTokens := estimateTokens(para)
		bufTokens := estimateTokens(buf.String())

		if buf.Len() > 0 && bufTokens+paraTokens > c.opts.MaxChunkTokens {
			flush()
			lineCursor = startLine + linesSeen
		}

		if buf.Len() > 0 {
			buf.WriteString("\n\n")
		}
		buf.WriteString(para)
		linesSeen += paraLines + 1
	}
	flush()

	return chunks
}
