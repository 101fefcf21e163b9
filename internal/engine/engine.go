package engine

import (
	"bytes"
	"context"
	"fmt"
	"strings"
)

// ProducerTag identifies this worker class in result metadata and in the
// shared durable consumer name.
const ProducerTag = "docling_worker"

// Result is the outcome of one successful conversion.
type Result struct {
	Text           string         `json:"text"`
	Markdown       string         `json:"markdown"`
	StructuredData map[string]any `json:"structured_data"`
	Metadata       Metadata       `json:"metadata"`
}

// Metadata describes the converted document.
type Metadata struct {
	Pages       int    `json:"pages"`
	Format      string `json:"format"`
	ProcessedBy string `json:"processed_by"`
}

// Converter is the conversion engine contract. Implementations are invoked
// once per dequeued request; a deterministic conversion failure must come
// back as an error (the dispatcher turns it into an error reply), and the
// ctx deadline carries the per-document timeout.
type Converter interface {
	Convert(ctx context.Context, doc []byte, name string, cfg *Config) (*Result, error)
}

// Fallback is a minimal in-process converter. It lets the worker run end to
// end without a model runtime: it recognises documents by their magic bytes,
// rejects corrupt input deterministically and derives the page count from
// the PDF page tree. Deployments with a real engine inject their own
// Converter instead.
type Fallback struct{}

var _ Converter = Fallback{}

// Convert implements Converter.
func (Fallback) Convert(ctx context.Context, doc []byte, name string, cfg *Config) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	format, err := sniffFormat(doc)
	if err != nil {
		return nil, err
	}
	if cfg != nil && len(cfg.InputFormats) > 0 && !contains(cfg.InputFormats, format) {
		return nil, fmt.Errorf("format %q is not enabled for this request", format)
	}

	pages := 1
	if format == FormatPDF {
		pages = pdfPageCount(doc)
	}

	markdown := fmt.Sprintf("# %s\n\n_%d page(s), %s, converted without a model runtime._\n", name, pages, format)
	return &Result{
		Text:     markdown,
		Markdown: markdown,
		Metadata: Metadata{
			Pages:       pages,
			Format:      format,
			ProcessedBy: ProducerTag,
		},
	}, nil
}

func sniffFormat(doc []byte) (string, error) {
	switch {
	case len(doc) == 0:
		return "", fmt.Errorf("parse failure: empty document")
	case bytes.HasPrefix(doc, []byte("%PDF-")):
		return FormatPDF, nil
	case bytes.HasPrefix(doc, []byte("PK\x03\x04")):
		// OOXML container; pptx vs docx is indistinguishable without
		// opening the zip, docx is the common case.
		return FormatDocx, nil
	case bytes.HasPrefix(doc, []byte("\x89PNG")), bytes.HasPrefix(doc, []byte("\xff\xd8\xff")):
		return FormatImage, nil
	case looksLikeHTML(doc):
		return FormatHTML, nil
	default:
		return "", fmt.Errorf("parse failure: unrecognized document header")
	}
}

func looksLikeHTML(doc []byte) bool {
	head := strings.ToLower(string(bytes.TrimSpace(doc[:min(len(doc), 256)])))
	return strings.HasPrefix(head, "<!doctype html") || strings.HasPrefix(head, "<html")
}

// pdfPageCount counts page objects in the cross-referenced object stream.
// "/Type /Pages" nodes are interior tree nodes, not pages.
func pdfPageCount(doc []byte) int {
	n := bytes.Count(doc, []byte("/Type /Page")) - bytes.Count(doc, []byte("/Type /Pages"))
	n += bytes.Count(doc, []byte("/Type/Page")) - bytes.Count(doc, []byte("/Type/Pages"))
	if n < 1 {
		return 1
	}
	return n
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
