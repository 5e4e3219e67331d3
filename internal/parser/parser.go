// Package parser turns raw email files into normalized EmailRecords.
// One parser variant exists per supported file format; all of them are
// pure transforms with no network or storage access.
package parser

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Parser extracts the emails contained in a single file. An .eml or
// .elmx file yields one record, an .mbox file yields one record per
// contained message.
type Parser interface {
	Parse(path string) ([]EmailRecord, error)
}

// DefaultExtensions lists the file extensions handled out of the box.
var DefaultExtensions = []string{".eml", ".mbox", ".elmx"}

// ForPath selects the parser variant for a file based on its
// extension (case insensitive).
func ForPath(path string) (Parser, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".eml":
		return emlParser{}, nil
	case ".mbox":
		return mboxParser{}, nil
	case ".elmx":
		return elmxParser{}, nil
	default:
		return nil, fmt.Errorf("unsupported email format: %s", filepath.Ext(path))
	}
}
