package extract

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"github.com/ledongthuc/pdf"
	"go.uber.org/zap"

	"gwi.com/docchat/internal/pkg/result"
)

// extractPDF tries the in-process reader first and falls back to pdftotext when the
// reader cannot open the file or finds no text at all.
func (e *Extractor) extractPDF(ctx context.Context, in Input) result.Result[string] {
	pages, err := readPDFPages(ctx, in.Data)
	if err != nil {
		ctxzap.Info(ctx, "pdf reader failed, trying pdftotext", zap.Error(err))
	} else if len(pages) == 0 {
		ctxzap.Info(ctx, "pdf reader extracted no text, trying pdftotext")
	}

	if len(pages) == 0 {
		pages, err = e.pdftotextPages(ctx, in.Data)
		if err != nil {
			return result.Degraded("", fmt.Sprintf("no text extracted from pdf: %v", err))
		}
	}
	if len(pages) == 0 {
		return result.Degraded("", "no text extracted from pdf")
	}

	return result.OK(joinPages(pages))
}

type pageText struct {
	number int
	text   string
}

func joinPages(pages []pageText) string {
	var b strings.Builder
	for _, p := range pages {
		fmt.Fprintf(&b, "\n--- Page %d ---\n", p.number)
		b.WriteString(p.text)
		b.WriteString("\n")
	}
	return b.String()
}

func readPDFPages(ctx context.Context, data []byte) (pages []pageText, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pdf reader panic: %v", r)
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open pdf: %w", err)
	}

	total := reader.NumPage()
	ctxzap.Debug(ctx, "pdf opened", zap.Int("pages", total))

	for i := 1; i <= total; i++ {
		text, perr := readPage(reader, i)
		if perr != nil {
			ctxzap.Debug(ctx, "skipping unreadable page", zap.Int("page", i), zap.Error(perr))
			continue
		}
		if strings.TrimSpace(text) == "" {
			continue
		}
		pages = append(pages, pageText{number: i, text: text})
	}
	return pages, nil
}

func readPage(reader *pdf.Reader, num int) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("page %d: %v", num, r)
		}
	}()

	page := reader.Page(num)
	if page.V.IsNull() {
		return "", nil
	}
	return page.GetPlainText(nil)
}

// pdftotextPages runs poppler's pdftotext; pages in its output are separated by form feeds.
func (e *Extractor) pdftotextPages(ctx context.Context, data []byte) ([]pageText, error) {
	var out []byte
	err := withTempFile(data, "upload-*.pdf", func(path string) error {
		var runErr error
		out, runErr = e.runner.Run(ctx, e.cfg.PDFToTextPath, "-layout", "-enc", "UTF-8", path, "-")
		return runErr
	})
	if err != nil {
		return nil, err
	}

	var pages []pageText
	for i, text := range strings.Split(string(out), "\f") {
		if strings.TrimSpace(text) == "" {
			continue
		}
		pages = append(pages, pageText{number: i + 1, text: text})
	}
	return pages, nil
}
