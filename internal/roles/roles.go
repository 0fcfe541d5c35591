// Package roles defines the three pipeline agents. Each role is a thin
// prompt builder and result interpreter over one SDK invocation: the
// Story Master drafts, the Developer implements, QA reviews.
package roles

import (
	"fmt"
	"strings"

	"github.com/basket/storyflow/internal/status"
)

// Role identifies one pipeline agent.
type Role string

const (
	StoryMaster Role = "sm"
	Developer   Role = "dev"
	QA          Role = "qa"
)

// ForStatus picks the role that acts on a story in the given state.
// Terminal states have no role.
func ForStatus(st status.Status) (Role, bool) {
	switch st {
	case status.Draft:
		return StoryMaster, true
	case status.ReadyForDevelopment, status.InProgress:
		return Developer, true
	case status.ReadyForReview:
		return QA, true
	default:
		return "", false
	}
}

// ExpectedStatus is the usual landing state for a role's output. Agents
// may land a story further ahead; this is only used for prompting.
func (r Role) ExpectedStatus() status.Status {
	switch r {
	case StoryMaster:
		return status.ReadyForDevelopment
	case Developer:
		return status.ReadyForReview
	case QA:
		return status.ReadyForDone
	default:
		return status.Unknown
	}
}

// buildPrompt renders the role-specific instruction over the story
// document. Every prompt ends with the same status-line contract so the
// normalizer has a stable anchor.
func buildPrompt(role Role, storyPath string, current status.Status, content string) string {
	var sb strings.Builder

	switch role {
	case StoryMaster:
		sb.WriteString("You are the Story Master. Flesh out the user story below ")
		sb.WriteString("with a narrative, acceptance criteria, and implementation notes ")
		sb.WriteString("so a developer can pick it up without further questions.\n")
	case Developer:
		sb.WriteString("You are the Developer. Implement the user story below. ")
		sb.WriteString("Make the code changes it describes and note what you changed.\n")
		if current == status.InProgress {
			sb.WriteString("A previous review raised concerns; address them before finishing.\n")
		}
	case QA:
		sb.WriteString("You are QA. Review the implemented story below against its ")
		sb.WriteString("acceptance criteria. Approve it, send it back with concerns, ")
		sb.WriteString("or fail it.\n")
	}

	fmt.Fprintf(&sb, "\nStory file: %s\nCurrent status: %s\n\n---\n%s\n---\n\n", storyPath, current, content)

	sb.WriteString("Finish your reply with a single line of the form\n")
	fmt.Fprintf(&sb, "Status: %s\n", role.ExpectedStatus())
	sb.WriteString("using one of: ")
	for i, st := range status.All {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(string(st))
	}
	sb.WriteString(".")
	return sb.String()
}
