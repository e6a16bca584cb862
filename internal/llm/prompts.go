package llm

import (
	"fmt"

	"github.com/codebuildervaibhav/lecture-digest/internal/summarize"
)

const mapInstruction = `You are an editor of technical lecture notes. Write dense notes for the transcript fragment below:
6-10 substantive bullet points, no filler and no generic phrases. Every point must carry meaning
(what exactly, why, consequences, an example). Keep the specifics: services, parameters, limits,
risks, steps, decisions. Write strictly in %s. Format: a markdown list.`

const reduceInstruction = `You are given partial notes of one lecture, in order. Produce two sections and nothing else.

Start the first section with the line %s and write a final summary of 1-2 paragraphs:
only the key meaning, no repetition, no introductory phrases.

Start the second section with the line %s and write a structured outline in markdown:
a title line "# <Topic> - Lecture notes", then 5-9 sections with "##" headings, each with
3-6 bullets of factual substance (definitions, why it matters, practical steps, risks,
limitations, examples). Avoid empty wording such as "is discussed".

Write strictly in %s.`

// BuildPrompt returns the system instruction and user content for one call
func BuildPrompt(text, targetLanguage string, mode summarize.Mode) (system, user string) {
	if targetLanguage == "" {
		targetLanguage = "English"
	}
	switch mode {
	case summarize.ModeReduce:
		return fmt.Sprintf(reduceInstruction, summarize.SummaryMarker, summarize.OutlineMarker, targetLanguage),
			"Partial notes:\n\n" + text
	default:
		return fmt.Sprintf(mapInstruction, targetLanguage), "Transcript fragment:\n---\n" + text + "\n---"
	}
}
