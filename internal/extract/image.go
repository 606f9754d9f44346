package extract

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"path/filepath"
	"strings"

	_ "golang.org/x/image/bmp"

	"gwi.com/docchat/internal/pkg/result"
)

const imageNote = "Note: This is a visual image file. The assistant can discuss the image based on its " +
	"filename, metadata, and any extracted text content, but cannot see the picture itself."

// describeImage always returns a non-empty surrogate: pixel content is never indexed,
// only metadata and whatever OCR recovers.
func (e *Extractor) describeImage(ctx context.Context, in Input) result.Result[string] {
	name := filepath.Base(in.Filename)

	cfg, format, err := image.DecodeConfig(bytes.NewReader(in.Data))
	if err != nil {
		return result.Degraded(
			fmt.Sprintf("Image file: %s (processing error: %v)", name, err),
			fmt.Sprintf("decode image: %v", err),
		)
	}

	ocrText, ocrErr := e.ocr(ctx, in.Data, format)
	var extracted string
	switch {
	case ocrErr != nil:
		extracted = fmt.Sprintf("OCR not available (%v)", ocrErr)
	case ocrText == "":
		extracted = "No text found in image"
	default:
		extracted = ocrText
	}

	var b strings.Builder
	b.WriteString("Image Analysis:\n")
	fmt.Fprintf(&b, "- Filename: %s\n", name)
	fmt.Fprintf(&b, "- Dimensions: %dx%d pixels\n", cfg.Width, cfg.Height)
	fmt.Fprintf(&b, "- Color mode: %s\n", colorModeName(cfg.ColorModel))
	fmt.Fprintf(&b, "- Format: %s\n", strings.ToUpper(format))
	fmt.Fprintf(&b, "- File size: %d bytes\n", len(in.Data))
	b.WriteString("\nExtracted Text:\n")
	b.WriteString(extracted)
	b.WriteString("\n\n")
	b.WriteString(imageNote)
	b.WriteString("\n")

	if ocrErr != nil {
		return result.Degraded(b.String(), fmt.Sprintf("ocr unavailable: %v", ocrErr))
	}
	return result.OK(b.String())
}

func (e *Extractor) ocr(ctx context.Context, data []byte, format string) (string, error) {
	if !e.cfg.OCREnabled {
		return "", fmt.Errorf("ocr disabled")
	}

	var out []byte
	err := withTempFile(data, "upload-*."+format, func(path string) error {
		var runErr error
		out, runErr = e.runner.Run(ctx, e.cfg.TesseractPath, path, "stdout")
		return runErr
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

func colorModeName(m color.Model) string {
	if _, ok := m.(color.Palette); ok {
		return "P"
	}
	switch m {
	case color.RGBAModel, color.NRGBAModel:
		return "RGBA"
	case color.RGBA64Model, color.NRGBA64Model:
		return "RGBA64"
	case color.GrayModel:
		return "L"
	case color.Gray16Model:
		return "I;16"
	case color.AlphaModel, color.Alpha16Model:
		return "A"
	case color.YCbCrModel, color.NYCbCrAModel:
		return "YCbCr"
	case color.CMYKModel:
		return "CMYK"
	default:
		return "unknown"
	}
}
