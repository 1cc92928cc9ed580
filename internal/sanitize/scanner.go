// Package sanitize scans claim text and evidence for personal-information
// patterns before anything leaves the pipeline. Detection is non-fatal; the
// redacted body plus the category tags flow downstream.
package sanitize

import (
	"regexp"
	"sort"
	"strings"
)

// Category tags attached to a scan result.
const (
	CategoryEmail   = "email"
	CategoryPhone   = "phone"
	CategorySSN     = "ssn"
	CategoryAddress = "address"
	CategoryDOB     = "dob"
	CategoryName    = "name"
)

// Result of scanning one claim.
type Result struct {
	RedactedText     string   `json:"redacted_text"`
	RedactedEvidence []string `json:"redacted_evidence,omitempty"`
	Categories       []string `json:"categories,omitempty"`
	Findings         int      `json:"findings"`
}

type pattern struct {
	category string
	re       *regexp.Regexp
}

// Scanner applies a fixed pattern set. Safe for concurrent use; the
// compiled patterns are immutable after construction.
type Scanner struct {
	patterns []pattern
}

// NewScanner compiles the default pattern set.
func NewScanner() *Scanner {
	return &Scanner{patterns: []pattern{
		{CategoryEmail, regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)},
		{CategorySSN, regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)},
		{CategoryPhone, regexp.MustCompile(`\b(?:\+?1[\s.\-]?)?\(?\d{3}\)?[\s.\-]\d{3}[\s.\-]\d{4}\b`)},
		{CategoryDOB, regexp.MustCompile(`(?i)\b(?:dob|date of birth|born)[:\s]+\d{1,2}[/\-]\d{1,2}[/\-]\d{2,4}\b`)},
		{CategoryAddress, regexp.MustCompile(`(?i)\b\d{1,5}\s+[a-z0-9.\s]{2,40}\b(?:street|st|avenue|ave|road|rd|boulevard|blvd|lane|ln|drive|dr|court|ct|circle|cir|way)\b\.?`)},
		// Rank-prefixed names show up constantly in veteran benefit claims.
		{CategoryName, regexp.MustCompile(`\b(?:Pvt|Cpl|Sgt|SSgt|MSgt|Lt|Capt|Maj|Col|Gen|CPO|PO[123]|Adm|Sergeant|Corporal|Lieutenant|Captain|Major|Colonel|General|Admiral|Private)\.?\s+[A-Z][a-z]+(?:\s+[A-Z][a-z]+)?\b`)},
	}}
}

// Scan redacts text and evidence and reports which categories were found.
// A text with no matches comes back unchanged.
func (s *Scanner) Scan(text string, evidence []string) Result {
	seen := make(map[string]bool)
	findings := 0

	redact := func(in string) string {
		out := in
		for _, p := range s.patterns {
			out = p.re.ReplaceAllStringFunc(out, func(string) string {
				seen[p.category] = true
				findings++
				return "[REDACTED:" + strings.ToUpper(p.category) + "]"
			})
		}
		return out
	}

	res := Result{RedactedText: redact(text)}
	if len(evidence) > 0 {
		res.RedactedEvidence = make([]string, len(evidence))
		for i, e := range evidence {
			res.RedactedEvidence[i] = redact(e)
		}
	}

	res.Findings = findings
	for c := range seen {
		res.Categories = append(res.Categories, c)
	}
	sort.Strings(res.Categories)
	return res
}
