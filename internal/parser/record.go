package parser

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Supported email file formats.
const (
	FormatEML  = "eml"
	FormatMBOX = "mbox"
	FormatELMX = "elmx"
)

// Attachment describes an attachment without retaining its content.
type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
}

// EmailRecord is one normalized email extracted from a source file.
// It is constructed once by a parser and never mutated afterwards,
// except for run labels appended by the pipeline (labels are not part
// of the fingerprint).
type EmailRecord struct {
	SourcePath  string       `json:"source_path"`
	Format      string       `json:"format"`
	Subject     string       `json:"subject"`
	Sender      string       `json:"sender"`
	Recipients  []string     `json:"recipients,omitempty"`
	Date        time.Time    `json:"date,omitzero"`
	Labels      []string     `json:"labels,omitempty"`
	Priority    string       `json:"priority"`
	BodyText    string       `json:"body_text"`
	BodyHTML    string       `json:"body_html,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
	Fingerprint string       `json:"fingerprint"`
}

// DateString returns the date in RFC 3339 UTC form, or "" when the
// Date header was absent.
func (r EmailRecord) DateString() string {
	if r.Date.IsZero() {
		return ""
	}
	return r.Date.UTC().Format(time.RFC3339)
}

// ParseError reports a file (or contained message) that could not be
// parsed. Callers skip the file and continue.
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: %v", e.Path, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Fingerprint derives the stable dedup key from the deterministic
// fields of an email: subject, sender, date and a hash of the body.
// Identical input content always yields the identical fingerprint,
// regardless of source path or file format.
func Fingerprint(subject, sender string, date time.Time, bodyText string) string {
	var dateStr string
	if !date.IsZero() {
		dateStr = date.UTC().Format(time.RFC3339)
	}
	bodySum := sha256.Sum256([]byte(bodyText))
	sum := sha256.Sum256(fmt.Appendf(nil, "%s|%s|%s|%s",
		subject, sender, dateStr, hex.EncodeToString(bodySum[:])))
	return hex.EncodeToString(sum[:])
}

var bracketTag = regexp.MustCompile(`\[([^\]]+)\]`)

// extractLabels derives labels from the subject and sender: bracketed
// tags in the subject plus a few sender/subject heuristics.
func extractLabels(subject, sender string) []string {
	var labels []string
	seen := make(map[string]struct{})
	add := func(l string) {
		l = strings.TrimSpace(l)
		if l == "" {
			return
		}
		key := strings.ToLower(l)
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		labels = append(labels, l)
	}

	for _, m := range bracketTag.FindAllStringSubmatch(subject, -1) {
		add(m[1])
	}

	subjectLower := strings.ToLower(subject)
	senderLower := strings.ToLower(sender)
	if strings.Contains(senderLower, "noreply") || strings.Contains(senderLower, "no-reply") {
		add("automated")
	}
	if strings.Contains(senderLower, "newsletter") || strings.Contains(subjectLower, "newsletter") {
		add("newsletter")
	}
	if strings.Contains(subjectLower, "urgent") || strings.Contains(subjectLower, "asap") {
		add("urgent")
	}
	return labels
}

// priorityIndicators is checked in order; the first level with a
// matching keyword wins.
var priorityIndicators = []struct {
	level string
	words []string
}{
	{"high", []string{"urgent", "asap", "important", "critical", "emergency"}},
	{"medium", []string{"update", "notification", "reminder"}},
	{"low", []string{"newsletter", "promotion", "marketing"}},
}

// determinePriority classifies an email by keywords in its subject or
// sender, defaulting to "normal".
func determinePriority(subject, sender string) string {
	subjectLower := strings.ToLower(subject)
	senderLower := strings.ToLower(sender)
	for _, p := range priorityIndicators {
		for _, word := range p.words {
			if strings.Contains(subjectLower, word) || strings.Contains(senderLower, word) {
				return p.level
			}
		}
	}
	return "normal"
}
