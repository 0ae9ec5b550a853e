package embed

import (
	"context"
	"fmt"
	"sync"

	"github.com/ebitengine/purego"
)

// NativeEmbedder calls an in-process embedding function exposed by a
// platform shared library, dlopen'd via purego, for users who have built or
// installed a native accelerator and would rather not run a separate server
// process. Configured via HEURISTIC_MCP_NATIVE_LIB (path to the shared
// object), HEURISTIC_MCP_NATIVE_MODEL (reported model name), and
// HEURISTIC_MCP_NATIVE_DIMS (the library's fixed output width).
//
// The library must export a C ABI symbol matching:
//
//	int32_t heuristic_mcp_embed(const char *text, int32_t text_len,
//	                             float *out, int32_t out_len)
//
// returning 0 on success and writing exactly out_len floats to out.
type NativeEmbedder struct {
	lib       uintptr
	embedFn   func(text *byte, textLen int32, out *float32, outLen int32) int32
	dims      int
	modelName string

	mu         sync.Mutex
	batchIndex int
	isFinal    bool
}

// NewNativeEmbedder dlopens libPath and binds its embed symbol. dims is the
// fixed output vector width the library is expected to produce.
func NewNativeEmbedder(libPath, modelName string, dims int) (*NativeEmbedder, error) {
	if libPath == "" {
		return nil, fmt.Errorf("native embedder: HEURISTIC_MCP_NATIVE_LIB is not set")
	}
	if dims <= 0 {
		dims = DefaultDimensions
	}

	lib, err := purego.Dlopen(libPath, purego.RTLD_NOW|purego.RTLD_GLOBAL)
	if err != nil {
		return nil, fmt.Errorf("native embedder: dlopen %s: %w", libPath, err)
	}

	var embedFn func(text *byte, textLen int32, out *float32, outLen int32) int32
	purego.RegisterLibFunc(&embedFn, lib, "heuristic_mcp_embed")

	return &NativeEmbedder{
		lib:       lib,
		embedFn:   embedFn,
		dims:      dims,
		modelName: modelName,
	}, nil
}

func (n *NativeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	cText := append([]byte(text), 0)
	out := make([]float32, n.dims)
	if rc := n.embedFn(&cText[0], int32(len(text)), &out[0], int32(n.dims)); rc != 0 {
		return nil, fmt.Errorf("native embedder: embed returned code %d", rc)
	}
	return normalizeVector(out), nil
}

func (n *NativeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := n.Embed(ctx, t)
		if err != nil {
			return nil, fmt.Errorf("native embedder: batch index %d: %w", i, err)
		}
		out[i] = v
	}
	return out, nil
}

func (n *NativeEmbedder) Dimensions() int   { return n.dims }
func (n *NativeEmbedder) ModelName() string { return n.modelName }

func (n *NativeEmbedder) Available(_ context.Context) bool {
	return n.embedFn != nil
}

func (n *NativeEmbedder) Close() error {
	return purego.Dlclose(n.lib)
}

func (n *NativeEmbedder) SetBatchIndex(idx int) {
	n.mu.Lock()
	n.batchIndex = idx
	n.mu.Unlock()
}

func (n *NativeEmbedder) SetFinalBatch(isFinal bool) {
	n.mu.Lock()
	n.isFinal = isFinal
	n.mu.Unlock()
}
