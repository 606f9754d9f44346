// Package extract turns uploaded files into plain text for indexing.
//
// Extraction never fails hard. A file that yields nothing usable comes back as an
// empty, degraded result, which callers treat the same as "skip indexing".
package extract

import (
	"context"
	"errors"
	"path/filepath"
	"strings"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"go.uber.org/zap"

	"gwi.com/docchat/internal/pkg/result"
)

type SourceKind string

const (
	KindPDF   SourceKind = "pdf"
	KindImage SourceKind = "image"
)

var ErrUnsupportedType = errors.New("unsupported file type")

var imageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".gif":  true,
	".bmp":  true,
}

// KindFromFilename maps a file extension to the source kind it is processed as.
func KindFromFilename(name string) (SourceKind, error) {
	ext := strings.ToLower(filepath.Ext(name))
	switch {
	case ext == ".pdf":
		return KindPDF, nil
	case imageExtensions[ext]:
		return KindImage, nil
	default:
		return "", ErrUnsupportedType
	}
}

type Input struct {
	Filename string
	Data     []byte
	Kind     SourceKind
}

type Config struct {
	OCREnabled    bool
	TesseractPath string
	PDFToTextPath string
}

type Extractor struct {
	cfg    Config
	runner CommandRunner
}

func New(cfg Config) *Extractor {
	return NewWithRunner(cfg, NewExecRunner())
}

// NewWithRunner creates an Extractor that shells out through runner.
func NewWithRunner(cfg Config, runner CommandRunner) *Extractor {
	if cfg.TesseractPath == "" {
		cfg.TesseractPath = "tesseract"
	}
	if cfg.PDFToTextPath == "" {
		cfg.PDFToTextPath = "pdftotext"
	}
	return &Extractor{cfg: cfg, runner: runner}
}

func (e *Extractor) Extract(ctx context.Context, in Input) result.Result[string] {
	var res result.Result[string]
	switch in.Kind {
	case KindPDF:
		res = e.extractPDF(ctx, in)
	case KindImage:
		res = e.describeImage(ctx, in)
	default:
		res = result.Degraded("", "unsupported source kind "+string(in.Kind))
	}

	fields := []zap.Field{
		zap.String("filename", in.Filename),
		zap.String("kind", string(in.Kind)),
		zap.Int("text_length", len(res.Value)),
	}
	if res.IsDegraded() {
		ctxzap.Warn(ctx, "extraction degraded", append(fields, zap.String("reason", res.Reason))...)
	} else {
		ctxzap.Info(ctx, "extraction finished", fields...)
	}
	return res
}
