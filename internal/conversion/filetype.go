package conversion

import (
	"bytes"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

var (
	ErrUnsupported = errors.New("unsupported file type")
	ErrEmptyFile   = errors.New("file is empty")
)

// Kind is the family a file belongs to for routing purposes.
type Kind string

const (
	KindPDF          Kind = "pdf"
	KindOffice       Kind = "office"
	KindLegacyOffice Kind = "legacy-office"
	KindText         Kind = "text"
	KindHTML         Kind = "html"
	KindEPUB         Kind = "epub"
	KindRTF          Kind = "rtf"
	KindUnknown      Kind = ""
)

// allowedExtensions maps each accepted extension to its family and the
// sniffed MIME roots that are consistent with it.
var allowedExtensions = map[string]struct {
	kind  Kind
	roots []string
}{
	".pdf":  {KindPDF, []string{"application/pdf"}},
	".docx": {KindOffice, []string{"application/zip"}},
	".pptx": {KindOffice, []string{"application/zip"}},
	".xlsx": {KindOffice, []string{"application/zip"}},
	".xls":  {KindLegacyOffice, []string{"application/x-ole-storage", "application/vnd.ms-excel"}},
	".epub": {KindEPUB, []string{"application/zip", "application/epub+zip"}},
	".html": {KindHTML, []string{"text/plain", "text/html"}},
	".htm":  {KindHTML, []string{"text/plain", "text/html"}},
	".rtf":  {KindRTF, []string{"text/plain", "text/rtf"}},
	".txt":  {KindText, []string{"text/plain"}},
	".md":   {KindText, []string{"text/plain"}},
	".csv":  {KindText, []string{"text/plain"}},
	".json": {KindText, []string{"text/plain", "application/json"}},
	".xml":  {KindText, []string{"text/plain", "text/xml", "application/xml"}},
}

// AllowedExtensions lists the accepted upload extensions.
func AllowedExtensions() []string {
	out := make([]string, 0, len(allowedExtensions))
	for ext := range allowedExtensions {
		out = append(out, ext)
	}
	return out
}

// Detect sniffs data and checks it against the filename extension. The
// returned MIME type is the sniffed one.
func Detect(filename string, data []byte) (Kind, string, error) {
	if len(data) == 0 {
		return KindUnknown, "", ErrEmptyFile
	}

	ext := strings.ToLower(filepath.Ext(filename))
	allowed, ok := allowedExtensions[ext]
	if !ok {
		return KindUnknown, "", fmt.Errorf("%w: extension %q", ErrUnsupported, ext)
	}

	mt := mimetype.Detect(data)
	for m := mt; m != nil; m = m.Parent() {
		for _, root := range allowed.roots {
			if m.Is(root) {
				return allowed.kind, mt.String(), nil
			}
		}
	}
	return KindUnknown, "", fmt.Errorf("%w: %s content does not match extension %q", ErrUnsupported, mt.String(), ext)
}

// LooksScanned reports whether a PDF has no font resources, meaning it has
// no text layer and needs OCR.
func LooksScanned(pdf []byte) bool {
	return !bytes.Contains(pdf, []byte("/Font"))
}
