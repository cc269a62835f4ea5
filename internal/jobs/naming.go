package jobs

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/promptflow/pkg/models"
)

const (
	summaryMaxLen = 40
	// A word-boundary cut must keep more than this many characters.
	summaryMinCut = 20
)

var (
	markdownChars = regexp.MustCompile("[#*`_~\\[\\]()]")
	whitespace    = regexp.MustCompile(`\s+`)
)

// DeriveName builds a job's display name from its first successful result.
// It returns "{template}: {summary}" when a template name is known, the bare
// summary otherwise, and "Job {id prefix}" when no summary can be derived.
func DeriveName(jobID uuid.UUID, templateName string, results []models.JobResult) string {
	var summary string
	for _, r := range results {
		if r.Status == models.ResultStatusSuccess {
			summary = Summarize(r.FinalOutput)
			break
		}
	}

	if templateName != "" {
		return templateName + ": " + summary
	}
	if summary != "" {
		return summary
	}
	return "Job " + jobID.String()[:8]
}

// Summarize strips markdown punctuation, collapses whitespace and cuts the
// text to about 40 characters at a word boundary.
func Summarize(output string) string {
	cleaned := markdownChars.ReplaceAllString(output, "")
	cleaned = strings.TrimSpace(whitespace.ReplaceAllString(cleaned, " "))

	runes := []rune(cleaned)
	if len(runes) <= summaryMaxLen {
		return cleaned
	}

	truncated := string(runes[:summaryMaxLen])
	if i := strings.LastIndex(truncated, " "); i >= 0 && utf8.RuneCountInString(truncated[:i]) > summaryMinCut {
		truncated = truncated[:i]
	}
	return truncated + "..."
}
