package parser

import (
	"bytes"
	"os"
	"strconv"
)

// elmxParser handles Apple Mail per-message files. The on-disk framing
// is a first line holding the byte length of the embedded RFC 5322
// message, the message itself, then an XML plist of mailbox flags.
// The plist is never interpreted. Files without a valid count line are
// parsed as a plain RFC 5322 message.
type elmxParser struct{}

func (elmxParser) Parse(path string) ([]EmailRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ParseError{Path: path, Err: err}
	}

	msg := elmxPayload(data)
	rec, err := FromReader(bytes.NewReader(msg), path, FormatELMX)
	if err != nil {
		return nil, &ParseError{Path: path, Err: err}
	}
	return []EmailRecord{rec}, nil
}

// elmxPayload slices the embedded message out of the emlx framing,
// returning the whole input when no valid count line is present.
func elmxPayload(data []byte) []byte {
	nl := bytes.IndexByte(data, '\n')
	if nl <= 0 {
		return data
	}
	count, err := strconv.Atoi(string(bytes.TrimSpace(data[:nl])))
	if err != nil || count <= 0 {
		return data
	}
	start := nl + 1
	if start >= len(data) {
		return data
	}
	end := start + count
	if end > len(data) {
		end = len(data)
	}
	return data[start:end]
}
