package parser

import (
	"io"
	"os"

	"github.com/emersion/go-mbox"
)

// mboxParser handles mailbox files holding any number of concatenated
// messages. Each contained message becomes its own EmailRecord and is
// deduplicated independently downstream.
type mboxParser struct{}

func (mboxParser) Parse(path string) ([]EmailRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &ParseError{Path: path, Err: err}
	}
	defer f.Close()

	mr := mbox.NewReader(f)
	var records []EmailRecord
	var lastErr error
	for {
		msg, err := mr.NextMessage()
		if err == io.EOF {
			break
		}
		if err != nil {
			return records, &ParseError{Path: path, Err: err}
		}

		rec, err := FromReader(msg, path, FormatMBOX)
		if err != nil {
			// One malformed message must not hide the rest of
			// the mailbox.
			lastErr = err
			continue
		}
		records = append(records, rec)
	}

	if len(records) == 0 && lastErr != nil {
		return nil, &ParseError{Path: path, Err: lastErr}
	}
	return records, nil
}
