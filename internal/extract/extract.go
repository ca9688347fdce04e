// Package extract pulls plain text out of uploaded documents and splits
// it into chunks for the engine's ingestion call.
package extract

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"github.com/dslipak/pdf"

	"github.com/liliang-cn/graphdoc/internal/domain"
)

var (
	// ErrUnsupportedFormat indicates a file type no extractor handles
	ErrUnsupportedFormat = fmt.Errorf("%w: unsupported file format", domain.ErrValidation)
	// ErrCorruptFile indicates a file that failed to parse as its format
	ErrCorruptFile = fmt.Errorf("%w: corrupt file", domain.ErrValidation)
)

// Supported file extensions.
const (
	ExtTXT      = ".txt"
	ExtMD       = ".md"
	ExtMarkdown = ".markdown"
	ExtHTML     = ".html"
	ExtHTM      = ".htm"
	ExtPDF      = ".pdf"
	ExtDOCX     = ".docx"
)

// Supported reports whether a filename has an extractable extension.
func Supported(filename string) bool {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ExtTXT, ExtMD, ExtMarkdown, ExtHTML, ExtHTM, ExtPDF, ExtDOCX:
		return true
	default:
		return false
	}
}

// Text extracts plain text from a document, dispatching on the filename
// extension.
func Text(data []byte, filename string) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("%w: empty file", domain.ErrValidation)
	}

	switch strings.ToLower(filepath.Ext(filename)) {
	case ExtTXT, ExtMD, ExtMarkdown:
		return plainText(data)
	case ExtHTML, ExtHTM:
		return htmlText(data)
	case ExtPDF:
		return pdfText(data)
	case ExtDOCX:
		return docxText(data)
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Ext(filename))
	}
}

func plainText(data []byte) (string, error) {
	if !utf8.Valid(data) {
		return "", fmt.Errorf("%w: not valid UTF-8", ErrCorruptFile)
	}
	return strings.TrimSpace(string(data)), nil
}

func htmlText(data []byte) (string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCorruptFile, err)
	}
	doc.Find("script, style, noscript").Remove()

	text := doc.Find("body").Text()
	if strings.TrimSpace(text) == "" {
		text = doc.Text()
	}
	return squeezeWhitespace(text), nil
}

func pdfText(data []byte) (text string, err error) {
	// The pdf parser panics on some malformed inputs.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrCorruptFile, r)
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCorruptFile, err)
	}

	content, err := reader.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCorruptFile, err)
	}

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, content); err != nil {
		return "", fmt.Errorf("%w: %v", ErrCorruptFile, err)
	}
	return squeezeWhitespace(buf.String()), nil
}

func docxText(data []byte) (string, error) {
	archive, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCorruptFile, err)
	}

	var document *zip.File
	for _, f := range archive.File {
		if f.Name == "word/document.xml" {
			document = f
			break
		}
	}
	if document == nil {
		return "", fmt.Errorf("%w: missing word/document.xml", ErrCorruptFile)
	}

	rc, err := document.Open()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCorruptFile, err)
	}
	defer rc.Close()

	var sb strings.Builder
	decoder := xml.NewDecoder(rc)
	for {
		tok, err := decoder.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrCorruptFile, err)
		}
		switch t := tok.(type) {
		case xml.CharData:
			sb.Write(t)
		case xml.EndElement:
			// Paragraph boundaries become newlines.
			if t.Name.Local == "p" {
				sb.WriteByte('\n')
			}
		}
	}
	return squeezeWhitespace(sb.String()), nil
}

// squeezeWhitespace collapses runs of blank lines and trims each line.
func squeezeWhitespace(s string) string {
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	blank := true
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			if !blank {
				out = append(out, "")
			}
			blank = true
			continue
		}
		out = append(out, line)
		blank = false
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}
