package engine

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/parleyhq/parley/pkg/models"
)

const passiveStateParagraph = "The conversation has not started yet. " +
	"The customer has said nothing so far; treat the interaction as a " +
	"blank slate and only act on guidelines that apply to an opening state."

// historySection renders the interaction history for a prompt. An empty
// history renders as the passive-state paragraph.
func historySection(history []*models.Event) string {
	var b strings.Builder
	b.WriteString("Interaction history:\n")
	wrote := false
	for _, event := range history {
		switch event.Kind {
		case models.EventKindMessage:
			var data models.MessageEventData
			if err := json.Unmarshal(event.Data, &data); err != nil {
				continue
			}
			fmt.Fprintf(&b, "[%d] %s: %s\n", event.Offset, event.Source, data.Message)
			wrote = true
		case models.EventKindTool:
			var data models.ToolEventData
			if err := json.Unmarshal(event.Data, &data); err != nil {
				continue
			}
			for _, call := range data.ToolCalls {
				fmt.Fprintf(&b, "[%d] tool %s -> %s\n", event.Offset, call.ToolID, compactResult(call.Result))
			}
			wrote = true
		}
	}
	if !wrote {
		return "Interaction history:\n" + passiveStateParagraph + "\n"
	}
	return b.String()
}

func compactResult(result models.ToolCallResult) string {
	if result.ErrorKind != "" {
		return fmt.Sprintf("error (%s): %s", result.ErrorKind, result.ErrorMessage)
	}
	return string(result.Data)
}

// variablesSection renders context variables and their current values.
// Empty input renders as an empty string.
func variablesSection(variables []*VariableValue) string {
	if len(variables) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Context values:\n")
	for _, vv := range variables {
		value := "(no value)"
		if vv.Value != nil {
			value = string(vv.Value.Data)
		}
		fmt.Fprintf(&b, "- %s: %s\n", vv.Variable.Name, value)
	}
	return b.String()
}

// termsSection renders the glossary. Empty input renders as an empty
// string.
func termsSection(terms []*models.Term) string {
	if len(terms) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Glossary:\n")
	for _, term := range terms {
		fmt.Fprintf(&b, "- %s\n", term.IndexText())
	}
	return b.String()
}

// stagedSection renders already-staged events so downstream components
// see the turn's intermediate output. Empty input renders as an empty
// string.
func stagedSection(staged []models.EmittedEvent) string {
	if len(staged) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Events staged earlier this turn:\n")
	for _, event := range staged {
		fmt.Fprintf(&b, "- %s %s: %s\n", event.Source, event.Kind, event.Data)
	}
	return b.String()
}

// joinSections concatenates non-empty sections with blank lines.
func joinSections(sections ...string) string {
	var kept []string
	for _, section := range sections {
		if section != "" {
			kept = append(kept, strings.TrimRight(section, "\n"))
		}
	}
	return strings.Join(kept, "\n\n")
}
