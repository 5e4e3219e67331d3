package parser

import "os"

// emlParser handles single-message RFC 5322 files.
type emlParser struct{}

func (emlParser) Parse(path string) ([]EmailRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &ParseError{Path: path, Err: err}
	}
	defer f.Close()

	rec, err := FromReader(f, path, FormatEML)
	if err != nil {
		return nil, &ParseError{Path: path, Err: err}
	}
	return []EmailRecord{rec}, nil
}
