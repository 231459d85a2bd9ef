// Package pii implements the six-entity PII recognizer set: process-global
// singleton recognizers that score-rank byte-offset spans in a string, plus
// the string- and tree-level masking helpers the PII guard
// (internal/guard/native) builds on.
package pii

import (
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"
)

// Type identifies one of the six recognized entity kinds.
type Type string

const (
	TypeEmail       Type = "email"
	TypePhoneNumber Type = "phone_number"
	TypeSSN         Type = "ssn"
	TypeCreditCard  Type = "credit_card"
	TypeCASIN       Type = "ca_sin"
	TypeURL         Type = "url"
)

// Result is a single recognizer hit: a scored span in the scanned text.
type Result struct {
	Type  Type
	Start int // byte offset, inclusive
	End   int // byte offset, exclusive
	Score float64
}

// Recognizer scans a string for occurrences of one PII entity kind.
type Recognizer interface {
	Recognize(text string) []Result
}

// regexRecognizer is the common shape for every recognizer here: a compiled
// pattern plus an optional post-match validator/scorer (Luhn check, issuer
// prefix table, etc).
type regexRecognizer struct {
	entity   Type
	pattern  *regexp.Regexp
	score    float64
	validate func(match string) (ok bool, score float64)
}

func (r *regexRecognizer) Recognize(text string) []Result {
	locs := r.pattern.FindAllStringIndex(text, -1)
	if locs == nil {
		return nil
	}
	results := make([]Result, 0, len(locs))
	for _, loc := range locs {
		start, end := loc[0], loc[1]
		score := r.score
		if r.validate != nil {
			ok, s := r.validate(text[start:end])
			if !ok {
				continue
			}
			score = s
		}
		results = append(results, Result{Type: r.entity, Start: start, End: end, Score: score})
	}
	return results
}

// emailPattern is a pragmatic RFC-5322-ish match, not a full grammar.
var emailPattern = regexp.MustCompile(`(?i)\b[A-Z0-9._%+\-]+@[A-Z0-9.\-]+\.[A-Z]{2,}\b`)

// phonePattern covers common multi-locale formats: optional leading +CC,
// grouped with spaces/dashes/dots/parens, 7-15 significant digits.
var phonePattern = regexp.MustCompile(`\+?\d{1,3}?[-.\s]?\(?\d{2,4}\)?[-.\s]?\d{3,4}[-.\s]?\d{3,4}(?:[-.\s]?\d{2,4})?`)

// ssnPattern matches the US SSN format AAA-GG-SSSS; area/group 00 is invalid
// and excluded at the validate step.
var ssnPattern = regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)

// creditCardPattern matches 13-19 digit runs grouped by spaces or dashes, the
// common on-screen presentation of a PAN.
var creditCardPattern = regexp.MustCompile(`\b(?:\d[ -]?){12,18}\d\b`)

// caSinPattern matches the Canadian Social Insurance Number's grouped
// presentation, AAA-AAA-AAA.
var caSinPattern = regexp.MustCompile(`\b\d{3}-\d{3}-\d{3}\b`)

// urlPattern matches http(s)/ftp URLs; deliberately simple since this is a
// leak detector, not a parser.
var urlPattern = regexp.MustCompile(`(?i)\b(?:https?|ftp)://[^\s"'<>]+`)

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// luhnValid reports whether a digit string passes the Luhn checksum.
func luhnValid(digits string) bool {
	if len(digits) == 0 {
		return false
	}
	sum := 0
	alt := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := int(digits[i] - '0')
		if alt {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		alt = !alt
	}
	return sum%10 == 0
}

// creditCardIssuerPrefixes is a coarse issuer-prefix table used only to lift
// the score of a Luhn-valid digit run that also looks like a real PAN.
var creditCardIssuerPrefixes = []string{"4", "51", "52", "53", "54", "55", "34", "37", "6011", "65"}

func hasIssuerPrefix(digits string) bool {
	for _, p := range creditCardIssuerPrefixes {
		if strings.HasPrefix(digits, p) {
			return true
		}
	}
	return false
}

func newEmailRecognizer() Recognizer {
	return &regexRecognizer{entity: TypeEmail, pattern: emailPattern, score: 0.85}
}

func newPhoneNumberRecognizer() Recognizer {
	return &regexRecognizer{entity: TypePhoneNumber, pattern: phonePattern, score: 0.6,
		validate: func(match string) (bool, float64) {
			digits := digitsOnly(match)
			if len(digits) < 7 || len(digits) > 15 {
				return false, 0
			}
			return true, 0.6
		},
	}
}

func newSSNRecognizer() Recognizer {
	return &regexRecognizer{entity: TypeSSN, pattern: ssnPattern, score: 0.85,
		validate: func(match string) (bool, float64) {
			digits := digitsOnly(match)
			if digits[:3] == "000" || digits[3:5] == "00" || digits[5:] == "0000" || digits[:3] == "666" || digits[0] == '9' {
				return false, 0
			}
			return true, 0.85
		},
	}
}

func newCreditCardRecognizer() Recognizer {
	return &regexRecognizer{entity: TypeCreditCard, pattern: creditCardPattern, score: 0,
		validate: func(match string) (bool, float64) {
			digits := digitsOnly(match)
			if len(digits) < 13 || len(digits) > 19 {
				return false, 0
			}
			if !luhnValid(digits) {
				return false, 0
			}
			if hasIssuerPrefix(digits) {
				return true, 0.95
			}
			return true, 0.7
		},
	}
}

func newCASINRecognizer() Recognizer {
	return &regexRecognizer{entity: TypeCASIN, pattern: caSinPattern, score: 0,
		validate: func(match string) (bool, float64) {
			digits := digitsOnly(match)
			if len(digits) != 9 || !luhnValid(digits) {
				return false, 0
			}
			return true, 0.9
		},
	}
}

func newURLRecognizer() Recognizer {
	return &regexRecognizer{entity: TypeURL, pattern: urlPattern, score: 0.8}
}

// singletons, built once per process.
var (
	emailRecognizer       = newEmailRecognizer()
	phoneNumberRecognizer = newPhoneNumberRecognizer()
	ssnRecognizer         = newSSNRecognizer()
	creditCardRecognizer  = newCreditCardRecognizer()
	caSINRecognizer       = newCASINRecognizer()
	urlRecognizer         = newURLRecognizer()
)

// For returns the singleton recognizer for a PII type, or nil for an
// unrecognized type.
func For(t Type) Recognizer {
	switch t {
	case TypeEmail:
		return emailRecognizer
	case TypePhoneNumber:
		return phoneNumberRecognizer
	case TypeSSN:
		return ssnRecognizer
	case TypeCreditCard:
		return creditCardRecognizer
	case TypeCASIN:
		return caSINRecognizer
	case TypeURL:
		return urlRecognizer
	default:
		return nil
	}
}

// Scan runs every recognizer in types against text and returns only results
// meeting minScore.
func Scan(text string, types []Type, minScore float64) []Result {
	var out []Result
	for _, t := range types {
		r := For(t)
		if r == nil {
			continue
		}
		for _, res := range r.Recognize(text) {
			if res.Score >= minScore {
				out = append(out, res)
			}
		}
	}
	return out
}

// validSpan reports whether [start,end) lies within text and both bounds
// fall on UTF-8 codepoint boundaries.
func validSpan(text string, start, end int) bool {
	if start < 0 || end > len(text) || start >= end {
		return false
	}
	return utf8.RuneStart(text[start]) && (end == len(text) || utf8.RuneStart(text[end]))
}

// Mask applies the masking algorithm to a single string: discard invalid
// spans, greedily pick a non-overlapping subset scanning in
// descending start order (ties/overlaps resolved in favor of the span seen
// first in that order), then replace ranges from highest start to lowest so
// earlier offsets stay valid.
func Mask(text string, results []Result) string {
	valid := make([]Result, 0, len(results))
	for _, r := range results {
		if validSpan(text, r.Start, r.End) {
			valid = append(valid, r)
		}
	}
	if len(valid) == 0 {
		return text
	}
	sort.SliceStable(valid, func(i, j int) bool { return valid[i].Start > valid[j].Start })

	selected := make([]Result, 0, len(valid))
	boundary := len(text) // nothing selected yet may start at or after this
	for _, r := range valid {
		if r.End <= boundary {
			selected = append(selected, r)
			boundary = r.Start
		}
	}

	// selected is in descending-start order; walk it right to left, each
	// time recording a trailing chunk, then reverse and join so the final
	// string reads left to right.
	pieces := make([]string, 0, len(selected)*2+1)
	cursor := len(text)
	for _, r := range selected {
		pieces = append(pieces, text[r.End:cursor])
		pieces = append(pieces, "<"+strings.ToUpper(string(r.Type))+">")
		cursor = r.Start
	}
	pieces = append(pieces, text[:cursor])

	var b strings.Builder
	for i := len(pieces) - 1; i >= 0; i-- {
		b.WriteString(pieces[i])
	}
	return b.String()
}
