package parser

import (
	"html"
	"io"
	"regexp"
	"strings"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
)

// FromReader parses a single RFC 5322 message into an EmailRecord.
// Header encoded-words are decoded, the best available text body is
// selected (plain text preferred, stripped HTML as fallback) and
// attachment metadata is collected without retaining content.
func FromReader(r io.Reader, sourcePath, format string) (EmailRecord, error) {
	mr, err := mail.CreateReader(r)
	if err != nil && !message.IsUnknownCharset(err) {
		return EmailRecord{}, err
	}
	defer mr.Close()

	rec := EmailRecord{
		SourcePath: sourcePath,
		Format:     format,
	}

	if subject, err := mr.Header.Subject(); err == nil {
		rec.Subject = subject
	} else {
		rec.Subject = mr.Header.Get("Subject")
	}

	if addrs, err := mr.Header.AddressList("From"); err == nil && len(addrs) > 0 {
		rec.Sender = addrs[0].Address
	} else {
		rec.Sender = strings.TrimSpace(mr.Header.Get("From"))
	}

	for _, key := range []string{"To", "Cc"} {
		addrs, err := mr.Header.AddressList(key)
		if err != nil {
			continue
		}
		for _, a := range addrs {
			rec.Recipients = append(rec.Recipients, a.Address)
		}
	}

	// A missing Date header is not an error, the field stays zero.
	if raw := mr.Header.Get("Date"); raw != "" {
		if date, err := mr.Header.Date(); err == nil {
			rec.Date = date
		}
	}

	var plain, htmlBody string
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			if message.IsUnknownCharset(err) {
				continue
			}
			return EmailRecord{}, err
		}

		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			ctype, _, _ := h.ContentType()
			switch {
			case strings.EqualFold(ctype, "text/plain") && plain == "":
				b, err := io.ReadAll(part.Body)
				if err != nil {
					return EmailRecord{}, err
				}
				plain = string(b)
			case strings.EqualFold(ctype, "text/html") && htmlBody == "":
				b, err := io.ReadAll(part.Body)
				if err != nil {
					return EmailRecord{}, err
				}
				htmlBody = string(b)
			default:
				io.Copy(io.Discard, part.Body)
			}
		case *mail.AttachmentHeader:
			filename, _ := h.Filename()
			ctype, _, _ := h.ContentType()
			size, _ := io.Copy(io.Discard, part.Body)
			rec.Attachments = append(rec.Attachments, Attachment{
				Filename:    filename,
				ContentType: ctype,
				Size:        size,
			})
		}
	}

	rec.BodyText = strings.TrimSpace(plain)
	rec.BodyHTML = strings.TrimSpace(htmlBody)
	if rec.BodyText == "" && rec.BodyHTML != "" {
		rec.BodyText = stripHTML(rec.BodyHTML)
	}

	rec.Labels = extractLabels(rec.Subject, rec.Sender)
	rec.Priority = determinePriority(rec.Subject, rec.Sender)
	rec.Fingerprint = Fingerprint(rec.Subject, rec.Sender, rec.Date, rec.BodyText)
	return rec, nil
}

var (
	htmlTag        = regexp.MustCompile(`<[^>]*>`)
	collapseSpaces = regexp.MustCompile(`[ \t]+`)
	collapseLines  = regexp.MustCompile(`\n{3,}`)
)

// stripHTML converts an HTML body into rough plain text: tags removed,
// entities unescaped, whitespace collapsed.
func stripHTML(s string) string {
	s = htmlTag.ReplaceAllString(s, " ")
	s = html.UnescapeString(s)
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = collapseSpaces.ReplaceAllString(s, " ")
	s = collapseLines.ReplaceAllString(s, "\n\n")
	var lines []string
	for _, line := range strings.Split(s, "\n") {
		lines = append(lines, strings.TrimSpace(line))
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
