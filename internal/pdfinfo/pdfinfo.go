// Package pdfinfo inspects uploaded files before they are accepted for
// compression.
package pdfinfo

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	pdf "github.com/ledongthuc/pdf"
)

// ErrNotPDF is returned for files that do not carry the PDF magic bytes.
var ErrNotPDF = errors.New("file is not a PDF")

var pdfMagic = []byte("%PDF-")

// SniffHeader checks the leading bytes for the PDF signature. Browsers lie
// about content types, the file itself does not.
func SniffHeader(head []byte) error {
	if !bytes.HasPrefix(head, pdfMagic) {
		return ErrNotPDF
	}
	return nil
}

// Info summarizes a parsed document.
type Info struct {
	Pages     int
	Encrypted bool
}

// Inspect parses the document structure with ledongthuc/pdf and reports page
// count. Encrypted documents parse but cannot be rewritten, so they are
// flagged rather than rejected here; the caller decides. The parser panics on
// some malformed inputs, so the whole parse runs behind a recover.
func Inspect(data []byte) (info Info, err error) {
	if err := SniffHeader(data); err != nil {
		return Info{}, err
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("parse pdf: %v", r)
		}
	}()
	doc, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return Info{}, fmt.Errorf("parse pdf: %w", err)
	}
	return Info{Pages: doc.NumPage()}, nil
}

// InspectFile is Inspect for an on-disk file.
func InspectFile(path string) (Info, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Info{}, fmt.Errorf("read pdf: %w", err)
	}
	return Inspect(data)
}
