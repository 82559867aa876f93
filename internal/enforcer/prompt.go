package enforcer

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/DataFenix-Ltd/doc2json/internal/descriptor"
	"github.com/DataFenix-Ltd/doc2json/internal/providers"
)

const extractInstruction = "Extract the fields described by the schema from the document below. " +
	"Use only information present in the document."

const (
	toolSystemPrompt = "You are a precise data extraction engine. Always answer by calling the provided tool " +
		"with arguments that follow its schema exactly."
	jsonSystemPrompt = "You are a precise data extraction engine. Answer with one JSON object and no other text."
)

func systemPrompt(mode providers.Mode) string {
	if mode == providers.ModeToolCalling {
		return toolSystemPrompt
	}
	return jsonSystemPrompt
}

func contractDescription(d *descriptor.Descriptor) string {
	if d.Description != "" {
		return fmt.Sprintf("Record the extracted %s: %s", d.Name, d.Description)
	}
	return fmt.Sprintf("Record the extracted %s.", d.Name)
}

func basePrompt(task Task) string {
	instruction := task.Instruction
	if instruction == "" {
		instruction = extractInstruction
	}
	var b strings.Builder
	b.WriteString(instruction)
	b.WriteString("\n\n<document>\n")
	b.WriteString(task.Document)
	b.WriteString("\n</document>")
	return b.String()
}

// prompt assembles the user prompt for mode, with any validation feedback
// from the previous attempt appended.
func (r *run) prompt(mode providers.Mode) string {
	var b strings.Builder
	b.WriteString(r.base)
	if mode == providers.ModeJSONInstructed {
		b.WriteString("\n\n")
		b.WriteString(r.task.Descriptor.Instructions())
		b.WriteString("\n\nExample of the expected format:\n")
		b.Write(r.task.Descriptor.Example())
	}
	if r.feedback != "" {
		b.WriteString("\n\n")
		b.WriteString(r.feedback)
	}
	return b.String()
}

// feedbackFor renders validation errors as corrective instructions.
func feedbackFor(err error, raw string) string {
	var b strings.Builder
	b.WriteString("Your previous response was rejected:\n")

	var verr *descriptor.ValidationError
	switch {
	case errors.As(err, &verr):
		for _, issue := range verr.Issues {
			fmt.Fprintf(&b, "- %s\n", issue)
		}
	case errors.Is(err, providers.ErrNoJSON):
		b.WriteString("- the response did not contain a JSON object\n")
	default:
		fmt.Fprintf(&b, "- %v\n", err)
	}

	if raw = strings.TrimSpace(raw); raw != "" {
		if len(raw) > maxFeedbackRaw {
			cut := maxFeedbackRaw
			for cut > 0 && !utf8.RuneStart(raw[cut]) {
				cut--
			}
			raw = raw[:cut] + "..."
		}
		b.WriteString("Previous response:\n")
		b.WriteString(raw)
		b.WriteString("\n")
	}
	b.WriteString("Correct every issue and respond again.")
	return b.String()
}
