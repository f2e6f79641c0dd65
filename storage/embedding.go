package storage

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"os"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"videoQA/core"
	"videoQA/tracing"
)

// TextEmbedder maps text to D_text vectors.
type TextEmbedder interface {
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)
	Dim() int
}

// ImageEmbedder maps images (URLs or data URIs) and, for cross-modal
// retrieval, text into the same D_img space.
type ImageEmbedder interface {
	EmbedImages(ctx context.Context, images []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
	Dim() int
}

// NewOpenAIClient builds a go-openai client against an OpenAI-compatible
// endpoint such as Ollama, a sentence-transformers server or a CLIP server.
func NewOpenAIClient(baseURL, apiKey string) *openai.Client {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	return openai.NewClientWithConfig(cfg)
}

// ---------------- OpenAI-compatible implementation ----------------

type OpenAIEmbedder struct {
	cli   *openai.Client
	model string
	dim   int
}

func NewOpenAIEmbedder(cli *openai.Client, model string, dim int) *OpenAIEmbedder {
	return &OpenAIEmbedder{cli: cli, model: model, dim: dim}
}

func (e *OpenAIEmbedder) Dim() int { return e.dim }

func (e *OpenAIEmbedder) embed(ctx context.Context, inputs []string) (_ [][]float32, err error) {
	if len(inputs) == 0 {
		return nil, nil
	}
	ctx, span := tracing.Start(ctx, "embedding.Create")
	defer func() { tracing.End(span, err) }()

	resp, err := e.cli.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Model: openai.EmbeddingModel(e.model),
		Input: inputs,
	})
	if err != nil {
		return nil, core.WrapError(err, core.KindUpstream, "embedding API failed")
	}
	if len(resp.Data) != len(inputs) {
		return nil, core.NewError(core.KindUpstream,
			fmt.Sprintf("embedding API returned %d vectors for %d inputs", len(resp.Data), len(inputs)))
	}
	out := make([][]float32, len(inputs))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(out) {
			return nil, core.NewError(core.KindUpstream, fmt.Sprintf("embedding API returned index %d", d.Index))
		}
		if out[d.Index] != nil {
			return nil, core.NewError(core.KindUpstream, fmt.Sprintf("embedding API returned index %d twice", d.Index))
		}
		if len(d.Embedding) != e.dim {
			return nil, core.NewError(core.KindConfig,
				fmt.Sprintf("model %s returned dimension %d, configured %d", e.model, len(d.Embedding), e.dim))
		}
		out[d.Index] = d.Embedding
	}
	return out, nil
}

func (e *OpenAIEmbedder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	return e.embed(ctx, texts)
}

func (e *OpenAIEmbedder) EmbedImages(ctx context.Context, images []string) ([][]float32, error) {
	return e.embed(ctx, images)
}

func (e *OpenAIEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// ImageDataURI reads an image file into a base64 data URI.
func ImageDataURI(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return "data:" + http.DetectContentType(data) + ";base64," + base64.StdEncoding.EncodeToString(data), nil
}
