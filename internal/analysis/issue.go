// Package analysis adapts Credo engine output to LSP diagnostics.
package analysis

import (
	"strings"

	"github.com/CoderDennis/credo-language-server/internal/protocol"
)

// Issue is a single finding reported by the Credo engine.
// Lines and columns are one-based; Column may be absent.
type Issue struct {
	Check    string `json:"check"`
	Category string `json:"category"`
	Message  string `json:"message"`
	Filename string `json:"filename"`
	LineNo   int    `json:"line_no"`
	Column   *int   `json:"column"`
	Priority int    `json:"priority"`
}

// DefaultDocsBaseURL is where check documentation lives.
const DefaultDocsBaseURL = "https://hexdocs.pm/credo"

// Severity maps a Credo issue category to an LSP severity.
// The table is fixed; unknown categories map to Information.
func Severity(category string) protocol.DiagnosticSeverity {
	switch category {
	case "refactor":
		return protocol.DiagnosticSeverityError
	case "warning":
		return protocol.DiagnosticSeverityWarning
	case "design", "consistency", "readability":
		return protocol.DiagnosticSeverityInformation
	default:
		return protocol.DiagnosticSeverityInformation
	}
}

// IssueRange converts an issue's one-based position to a zero-based
// single-character range anchored at the reported column. Credo does
// not report token spans, so the width is an approximation.
func IssueRange(issue Issue) protocol.Range {
	column := 1
	if issue.Column != nil {
		column = *issue.Column
	}
	line := issue.LineNo - 1

	return protocol.Range{
		Start: protocol.Position{Line: line, Character: column - 1},
		End:   protocol.Position{Line: line, Character: column},
	}
}

// CheckCode returns the textual check identifier used as the
// diagnostic code, without the BEAM module prefix.
func CheckCode(check string) string {
	return strings.TrimPrefix(check, "Elixir.")
}

// DocsURL returns the documentation URL for a check.
func DocsURL(baseURL, check string) string {
	return strings.TrimSuffix(baseURL, "/") + "/" + CheckCode(check) + ".html"
}

// Diagnostic converts an issue into an LSP diagnostic. The data
// payload carries the originating check and file so code-action
// requests can reconstruct them later.
func Diagnostic(issue Issue, docsBaseURL string) protocol.Diagnostic {
	return protocol.Diagnostic{
		Range:    IssueRange(issue),
		Severity: Severity(issue.Category),
		Code:     CheckCode(issue.Check),
		CodeDescription: &protocol.CodeDescription{
			Href: DocsURL(docsBaseURL, issue.Check),
		},
		Source:  "credo",
		Message: issue.Message,
		Data: &protocol.DiagnosticData{
			Check: issue.Check,
			File:  issue.Filename,
		},
	}
}
