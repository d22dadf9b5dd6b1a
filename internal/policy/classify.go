package policy

import (
	"strings"
	"unicode"
)

// Verdict is the reading of a user turn against a pending proposal.
type Verdict string

const (
	Affirmative Verdict = "affirmative"
	Negative    Verdict = "negative"
	Ambiguous   Verdict = "ambiguous"
)

// maxVerdictWords bounds what counts as a short reply. Longer messages are
// never read as approval.
const maxVerdictWords = 8

var (
	affirmWords = set("yes", "y", "yeah", "yep", "yup", "sure", "ok", "okay",
		"confirm", "confirmed", "proceed", "approve", "approved", "lgtm",
		"absolutely", "definitely", "correct", "affirmative")
	affirmPhrases = []string{"go ahead", "do it", "sounds good", "go for it", "of course", "let's do it", "lets do it"}

	negateWords = set("no", "n", "nope", "nah", "cancel", "stop", "don't", "dont",
		"not", "never", "abort", "negative", "decline", "skip")
	negatePhrases = []string{"hold on", "wait", "never mind", "nevermind"}

	// fillerWords carry no verdict of their own.
	fillerWords = set("please", "thanks", "thank", "you", "go", "ahead", "do", "it",
		"install", "add", "that", "this", "one", "the", "skill", "for", "now",
		"sounds", "good", "great", "let's", "lets", "just", "i", "want", "to",
		"on", "mind", "hold", "wait", "of", "course")
)

func set(words ...string) map[string]bool {
	m := make(map[string]bool, len(words))
	for _, w := range words {
		m[w] = true
	}
	return m
}

// Classify reads text as a reply to a confirmation question. Only short,
// unambiguous approvals are Affirmative. A reply mixing approval and
// refusal, containing a question, or carrying other content is Ambiguous.
func Classify(text string) Verdict {
	s := strings.ToLower(strings.TrimSpace(text))
	s = strings.ReplaceAll(s, "’", "'")
	if s == "" || strings.Contains(s, "?") {
		return Ambiguous
	}
	s = strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '\'' || unicode.IsSpace(r) {
			return r
		}
		return ' '
	}, s)
	words := strings.Fields(s)
	if len(words) == 0 || len(words) > maxVerdictWords {
		return Ambiguous
	}
	joined := " " + strings.Join(words, " ") + " "

	var affirmWord, affirmPhrase, negate bool
	for _, p := range affirmPhrases {
		if strings.Contains(joined, " "+p+" ") {
			affirmPhrase = true
		}
	}
	for _, p := range negatePhrases {
		if strings.Contains(joined, " "+p+" ") {
			negate = true
		}
	}
	for _, w := range words {
		switch {
		case negateWords[w]:
			negate = true
		case affirmWords[w]:
			affirmWord = true
		case fillerWords[w]:
		default:
			return Ambiguous
		}
	}

	// "don't do it" negates the phrase; "no, yes" stays ambiguous.
	switch {
	case negate && !affirmWord:
		return Negative
	case (affirmWord || affirmPhrase) && !negate:
		return Affirmative
	}
	return Ambiguous
}
