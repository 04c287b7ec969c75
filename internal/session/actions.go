package session

import (
	"github.com/CoderDennis/credo-language-server/internal/protocol"
)

// CheckDescriptor identifies the check behind a diagnostic together
// with the document it applies to, enough for an action provider to
// build concrete edits.
type CheckDescriptor struct {
	Check        string
	Diagnostic   protocol.Diagnostic
	URI          protocol.DocumentURI
	DocumentText string
}

// ActionProvider produces editor actions for a check. The construction
// of quick-fix payloads is an external collaborator; the session only
// fans requests out and collects the results.
type ActionProvider interface {
	Actions(desc CheckDescriptor) []protocol.CodeAction
}

// codeActions collects actions for every diagnostic in the request
// whose metadata identifies a check.
func (s *Session) codeActions(params protocol.CodeActionParams) []protocol.CodeAction {
	actions := make([]protocol.CodeAction, 0)
	if s.actions == nil {
		return actions
	}

	var text string
	if doc, ok := s.documents[params.TextDocument.URI]; ok {
		text = doc.Text()
	}

	for _, diag := range params.Context.Diagnostics {
		if diag.Data == nil || diag.Data.Check == "" {
			continue
		}
		desc := CheckDescriptor{
			Check:        diag.Data.Check,
			Diagnostic:   diag,
			URI:          params.TextDocument.URI,
			DocumentText: text,
		}
		actions = append(actions, s.actions.Actions(desc)...)
	}

	return actions
}
