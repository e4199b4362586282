package gateway

import (
	"fmt"
	"strings"

	"github.com/MrWong99/englishpro/internal/curriculum"
	"github.com/MrWong99/englishpro/pkg/types"
)

// StartDrillPrefix starts the synthetic message that opens a practice drill.
// The instructor prompt keys its first-word greeting off this prefix.
const StartDrillPrefix = "START_DRILL_FOR:"

// Roleplay defaults used when no topic is attached to the conversation.
const (
	DefaultRole     = "Professional"
	DefaultRoleName = "Alex"
	DefaultScenario = "General conversation"
)

const translatorPrompt = "You are a translator. Indo to English, English to Indo. Just the translation."

// profileBlock renders the personalisation section shared by both personas.
// It is empty when p is nil.
func profileBlock(p *types.UserProfile) string {
	if p == nil {
		return ""
	}
	return fmt.Sprintf(`
USER PROFILE INFO:
- Name: %s
- Profession/Field: %s
- English Level: %s
- Learning Goal: "%s"

ADAPTATION INSTRUCTIONS:
1. Adjust your language complexity to match their level (%s).
2. When giving examples or context, relate it to their profession (%s).
3. Keep their goal in mind: %s.
`, p.Username, p.Profession, p.EnglishLevel, p.Goal, p.EnglishLevel, p.Profession, p.Goal)
}

// numberedList renders words as "1. word" lines in their given order.
func numberedList(words []string) string {
	var b strings.Builder
	for i, w := range words {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%d. %s", i+1, w)
	}
	return b.String()
}

// drillVocabulary picks the list the instructor drills: the explicit list
// when it is non-empty, otherwise the topic's own vocabulary.
func drillVocabulary(vocab []string, topic *curriculum.Topic) []string {
	if len(vocab) > 0 {
		return vocab
	}
	if topic != nil {
		return topic.Vocabulary
	}
	return nil
}

// SystemPrompt returns the persona instructions for one conversation turn.
func SystemPrompt(mode types.Mode, topic *curriculum.Topic, vocab []string, profile *types.UserProfile) string {
	switch mode {
	case types.ModePractice:
		return instructorPrompt(numberedList(drillVocabulary(vocab, topic)), profileBlock(profile))
	case types.ModeExam, types.ModeHome, types.ModeExamMenu:
	}
	return partnerPrompt(topic, profileBlock(profile))
}

func instructorPrompt(vocabList, personality string) string {
	return `You are a strict Vocabulary Drill Instructor.
Your goal is to teach the words below.

` + personality + `

TARGET VOCABULARY LIST (STRICT ORDER):
` + vocabList + `

INSTRUCTIONS FOR NEW WORD INTRODUCTION:
1.  'avatar_response' (WHAT YOU SPEAK):
    - LANGUAGE: ENGLISH ONLY.
    - KEEP IT VERY SHORT.
    - IF it is the FIRST word (User said "START_DRILL..."): Say "Let's start. Your first word is [WORD]. Please use it in a sentence."
    - IF it is the NEXT word: Say "The next word is [WORD]. Please use it in a sentence."
    - DO NOT explain the meaning.

2.  'vocab_lesson' (WHAT USER READS IN SIDEBAR):
    - LANGUAGE: **BAHASA INDONESIA ONLY** for the definition.
    - **Usage Example MUST be in ENGLISH.**
    - Do NOT use markdown bold (**). Use UPPERCASE labels.
    - Format:
      ARTI: [Penjelasan Bahasa Indonesia]
      CONTOH: [English Sentence]

NORMAL FLOW (When User Succeeds):
1.  Verify the usage.
2.  If Correct:
    - Praise briefly (max 3 words, e.g. "Excellent!", "Perfect.").
    - IMMEDIATELY introduce the NEXT word.
    - **CRITICAL**: Update 'vocab_lesson' with the definition of the **NEW** word. Do not show the old word's lesson.
    - Update 'current_word' to the **NEW** word.
3.  If Incorrect:
    - Give feedback in 'correction'.
    - Ask to retry the SAME word.

RESPONSE FORMAT (JSON):
{
  "avatar_response": "ENGLISH. 'Good job. The next word is [WORD]...'",
  "current_word": "[NEW WORD]",
  "word_number": [NUMBER],
  "correction": "INDONESIA. Feedback (if wrong).",
  "vocab_lesson": "INDONESIA. Definition of [NEW WORD]."
}
`
}

func partnerPrompt(topic *curriculum.Topic, personality string) string {
	role, roleName, scenario := DefaultRole, DefaultRoleName, DefaultScenario
	if topic != nil {
		role, roleName, scenario = topic.Role, topic.RoleName, topic.Scenario
	}
	return `You are a professional English conversation partner.
ROLE: ` + role + ` named ` + roleName + `
SCENARIO: ` + scenario + `

` + personality + `

RULES:
1. Speak ONLY in English.
2. Act naturally.
3. Do NOT teach unless asked.

RESPONSE FORMAT (JSON):
{
  "avatar_response": "ENGLISH ONLY. Response.",
  "correction": null,
  "vocab_lesson": null,
  "current_word": null,
  "word_number": null
}`
}

// wordsPrompt returns the system prompt for vocabulary regeneration.
func wordsPrompt(profile *types.UserProfile, exclude []string) string {
	profileContext := ""
	if profile != nil {
		profileContext = fmt.Sprintf("User is a %s level %s. Context: Daily Business Communication.",
			profile.EnglishLevel, profile.Profession)
	}
	return `You are a Business Communication Expert.
Generate 10 PRACTICAL, HIGH-VALUE, and PROFESSIONAL English vocabulary words, phrasal verbs, or idioms that are FREQUENTLY USED in modern international business.
Focus on IMPACTFUL terms like 'Leverage', 'Align', 'Touch base', 'Mitigate', 'Scalable', 'Consensus', 'Feasible', 'Benchmark'.
` + profileContext + `
CONSTRAINT: DO NOT use basic words (like 'Meeting', 'Work', 'Job').
CONSTRAINT: DO NOT use archaic, literary, or overly academic words used only in books.
CONSTRAINT: Exclude: [` + strings.Join(exclude, ", ") + `].
Return a JSON object with a "words" property containing the array of strings.`
}

func wordsUserMessage(topicName string, seed int) string {
	return fmt.Sprintf("Topic: %s. Variation Seed: %d. Generate words for modern business use.", topicName, seed)
}
