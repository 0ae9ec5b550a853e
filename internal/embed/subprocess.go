package embed

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"
)

// Subprocess batch protocol limits. Frames are 4-byte big-endian length
// prefixes followed by a JSON payload; the size cap keeps a corrupt or
// hostile peer from making the reader allocate unbounded memory.
const (
	maxFrameSize = 64 << 20 // 64 MiB; a full batch of embeddings fits well under this

	// DefaultBatchDeadline bounds a single child's lifetime. On expiry the
	// child is killed and the batch is rescheduled exactly once.
	DefaultBatchDeadline = 120 * time.Second
)

// workerRequest is the single record the parent streams to the child.
type workerRequest struct {
	Provider string   `json:"provider"`
	Model    string   `json:"model,omitempty"`
	Texts    []string `json:"texts"`
}

// workerResponse is the single record the child streams back before exiting.
type workerResponse struct {
	Vectors [][]float32 `json:"vectors,omitempty"`
	Dims    int         `json:"dims,omitempty"`
	Model   string      `json:"model,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// SubprocessConfig describes the child the SubprocessEmbedder spawns per
// batch: which provider/model it should construct, the vector width the
// parent expects back, and the per-batch deadline.
type SubprocessConfig struct {
	Provider      ProviderType
	Model         string
	Dims          int
	BatchDeadline time.Duration
}

// SubprocessEmbedder runs every embedding batch in a fresh child process
// (this same binary invoked with the embed-worker subcommand), used when
// the configuration demands memory isolation from the inference backend.
// One batch is streamed to the child over stdin as a length-prefixed JSON
// record, the vectors come back the same way over stdout, and the child
// exits. The parent owns the deadline: a child that overruns it is killed
// and the batch is resubmitted to a new child exactly once.
type SubprocessEmbedder struct {
	cfg      SubprocessConfig
	execPath string

	mu         sync.Mutex
	batchIndex int
	isFinal    bool
}

// NewSubprocessEmbedder builds a SubprocessEmbedder that re-invokes the
// current executable as its batch worker.
func NewSubprocessEmbedder(cfg SubprocessConfig) (*SubprocessEmbedder, error) {
	execPath, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("subprocess embedder: resolve executable: %w", err)
	}
	if cfg.Dims <= 0 {
		cfg.Dims = DefaultDimensions
	}
	if cfg.BatchDeadline <= 0 {
		cfg.BatchDeadline = DefaultBatchDeadline
	}
	if cfg.Provider == "" {
		cfg.Provider = ProviderOllama
	}
	return &SubprocessEmbedder{cfg: cfg, execPath: execPath}, nil
}

func (s *SubprocessEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := s.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch runs texts through one child process, retrying on a fresh
// child once if the first dies or exceeds its deadline.
func (s *SubprocessEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	vectors, err := s.runBatch(ctx, texts)
	if err == nil {
		return vectors, nil
	}
	if ctx.Err() != nil {
		return nil, err
	}

	// One reschedule on a fresh child; a second failure is the caller's
	// problem (circuit breaker territory).
	return s.runBatch(ctx, texts)
}

func (s *SubprocessEmbedder) runBatch(ctx context.Context, texts []string) ([][]float32, error) {
	batchCtx, cancel := context.WithTimeout(ctx, s.cfg.BatchDeadline)
	defer cancel()

	cmd := exec.CommandContext(batchCtx, s.execPath, "embed-worker")
	cmd.Env = append(os.Environ(), "HEURISTIC_MCP_EMBEDDER="+string(s.cfg.Provider))
	cmd.Stderr = io.Discard

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("subprocess embedder: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("subprocess embedder: stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("subprocess embedder: spawn child: %w", err)
	}

	req := workerRequest{Provider: string(s.cfg.Provider), Model: s.cfg.Model, Texts: texts}
	writeErr := writeFrameJSON(stdin, req)
	_ = stdin.Close()
	if writeErr != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return nil, fmt.Errorf("subprocess embedder: send batch: %w", writeErr)
	}

	var resp workerResponse
	readErr := readFrameJSON(stdout, &resp)
	waitErr := cmd.Wait()

	if batchCtx.Err() == context.DeadlineExceeded {
		return nil, fmt.Errorf("subprocess embedder: batch exceeded %s deadline: %w", s.cfg.BatchDeadline, batchCtx.Err())
	}
	if readErr != nil {
		if waitErr != nil {
			return nil, fmt.Errorf("subprocess embedder: child crashed: %w", waitErr)
		}
		return nil, fmt.Errorf("subprocess embedder: read response: %w", readErr)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("subprocess embedder: child: %s", resp.Error)
	}
	if len(resp.Vectors) != len(texts) {
		return nil, fmt.Errorf("subprocess embedder: child returned %d vectors for %d texts", len(resp.Vectors), len(texts))
	}
	for i, v := range resp.Vectors {
		if len(v) != s.cfg.Dims {
			return nil, fmt.Errorf("subprocess embedder: vector %d has dimension %d, want %d", i, len(v), s.cfg.Dims)
		}
	}
	return resp.Vectors, nil
}

func (s *SubprocessEmbedder) Dimensions() int { return s.cfg.Dims }

func (s *SubprocessEmbedder) ModelName() string {
	if s.cfg.Model != "" {
		return s.cfg.Model
	}
	return string(s.cfg.Provider)
}

func (s *SubprocessEmbedder) Available(_ context.Context) bool {
	_, err := os.Stat(s.execPath)
	return err == nil
}

func (s *SubprocessEmbedder) Close() error { return nil }

func (s *SubprocessEmbedder) SetBatchIndex(idx int) {
	s.mu.Lock()
	s.batchIndex = idx
	s.mu.Unlock()
}

func (s *SubprocessEmbedder) SetFinalBatch(isFinal bool) {
	s.mu.Lock()
	s.isFinal = isFinal
	s.mu.Unlock()
}

// RunWorker is the child side of the subprocess batch protocol: read one
// request frame from in, embed it with an in-process embedder, write one
// response frame to out, return. The embed-worker subcommand calls this
// with os.Stdin/os.Stdout and exits immediately after.
func RunWorker(ctx context.Context, in io.Reader, out io.Writer) error {
	var req workerRequest
	if err := readFrameJSON(in, &req); err != nil {
		return writeFrameJSON(out, workerResponse{Error: fmt.Sprintf("read request: %v", err)})
	}

	embedder, err := NewEmbedder(ctx, ParseProvider(req.Provider), req.Model)
	if err != nil {
		return writeFrameJSON(out, workerResponse{Error: fmt.Sprintf("construct embedder: %v", err)})
	}
	defer embedder.Close()

	vectors, err := embedder.EmbedBatch(ctx, req.Texts)
	if err != nil {
		return writeFrameJSON(out, workerResponse{Error: err.Error()})
	}

	return writeFrameJSON(out, workerResponse{
		Vectors: vectors,
		Dims:    embedder.Dimensions(),
		Model:   embedder.ModelName(),
	})
}

func writeFrameJSON(w io.Writer, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err = io.Copy(w, bytes.NewReader(payload))
	return err
}

func readFrameJSON(r io.Reader, v any) error {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n == 0 || n > maxFrameSize {
		return errors.New("frame size out of range")
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return err
	}
	return json.Unmarshal(payload, v)
}
