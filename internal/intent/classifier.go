// Package intent labels a single utterance as an acknowledgment, a command,
// an interruption or ordinary conversation. Classification is lexical and
// deterministic so it can run on every partial transcript.
package intent

import (
	"strings"
	"unicode"
)

type Type string

const (
	TypeAcknowledgment Type = "acknowledgment"
	TypeCommand        Type = "command"
	TypeInterruption   Type = "interruption"
	TypeConversation   Type = "conversation"
)

// Result is the classifier verdict. Exactly one of the Is* flags is true
// unless Type is conversation, in which case none are.
type Result struct {
	Type             Type    `json:"type"`
	IsAcknowledgment bool    `json:"is_acknowledgment"`
	IsCommand        bool    `json:"is_command"`
	IsInterruption   bool    `json:"is_interruption"`
	Confidence       float64 `json:"confidence"`
}

const (
	confidenceExact        = 0.95
	confidenceCommand      = 0.85
	confidenceInterruption = 0.9
	confidencePartial      = 0.7
	confidenceConversation = 0.6
	confidenceEmpty        = 0.1

	// Short replies that open with an acknowledgment ("ok thanks") still count.
	maxAckWords = 3
	// Interruptions that lead a longer sentence are treated as conversation.
	maxInterruptionWords = 5
)

var acknowledgments = map[string]struct{}{
	"ok": {}, "okay": {}, "okey": {}, "k": {}, "kk": {},
	"yes": {}, "yeah": {}, "yep": {}, "yup": {}, "ya": {},
	"no": {}, "nope": {}, "nah": {},
	"sure": {}, "alright": {}, "all right": {}, "right": {},
	"got it": {}, "understood": {}, "sounds good": {}, "cool": {},
	"fine": {}, "great": {}, "thanks": {}, "thank you": {},
	"uh huh": {}, "mm hmm": {}, "mhm": {},
}

var commandVerbs = map[string]struct{}{
	"set": {}, "create": {}, "add": {}, "delete": {}, "show": {}, "list": {},
	"remove": {}, "remind": {}, "schedule": {}, "open": {}, "play": {},
	"send": {}, "call": {}, "turn": {}, "save": {}, "start": {},
}

var politePrefixes = [][]string{
	{"please"},
	{"can", "you"},
	{"could", "you"},
	{"would", "you"},
	{"will", "you"},
}

var interruptions = map[string]struct{}{
	"stop": {}, "stop it": {}, "stop that": {}, "stop talking": {},
	"wait": {}, "hold on": {}, "hang on": {}, "pause": {},
	"cancel": {}, "never mind": {}, "nevermind": {}, "enough": {},
	"quiet": {}, "be quiet": {}, "shut up": {}, "hush": {},
}

// interruptionLeads are the words or phrases that start an interruption when
// followed by a short tail ("wait a moment", "pause that").
var interruptionLeads = [][]string{
	{"stop"}, {"wait"}, {"pause"}, {"cancel"}, {"enough"}, {"quiet"},
	{"hold", "on"}, {"hang", "on"}, {"never", "mind"},
}

// Classify maps text to an intent. It is a pure function: the same input
// always yields the same Result, and it never fails. Precedence is
// acknowledgment, then command, then interruption, then conversation.
func Classify(text string) Result {
	words := tokenize(text)
	if len(words) == 0 {
		return conversation(confidenceEmpty)
	}
	phrase := strings.Join(words, " ")

	if _, ok := acknowledgments[phrase]; ok {
		return result(TypeAcknowledgment, confidenceExact)
	}
	if len(words) <= maxAckWords && startsWithAck(words) {
		return result(TypeAcknowledgment, confidencePartial)
	}

	if len(words) >= 2 {
		if _, ok := commandVerbs[words[0]]; ok {
			return result(TypeCommand, confidenceCommand)
		}
		for _, prefix := range politePrefixes {
			rest, ok := trimPrefix(words, prefix)
			if !ok || len(rest) < 2 {
				continue
			}
			if _, ok := commandVerbs[rest[0]]; ok {
				return result(TypeCommand, confidencePartial)
			}
		}
	}

	if _, ok := interruptions[phrase]; ok {
		return result(TypeInterruption, confidenceInterruption)
	}
	if len(words) <= maxInterruptionWords {
		for _, lead := range interruptionLeads {
			if _, ok := trimPrefix(words, lead); ok {
				return result(TypeInterruption, confidencePartial)
			}
		}
	}

	return conversation(confidenceConversation)
}

func startsWithAck(words []string) bool {
	for n := 2; n >= 1; n-- {
		if len(words) < n {
			continue
		}
		if _, ok := acknowledgments[strings.Join(words[:n], " ")]; ok {
			return true
		}
	}
	return false
}

func trimPrefix(words, prefix []string) ([]string, bool) {
	if len(words) < len(prefix) {
		return nil, false
	}
	for i, p := range prefix {
		if words[i] != p {
			return nil, false
		}
	}
	return words[len(prefix):], true
}

// tokenize lowercases text and splits it into words, dropping punctuation
// except apostrophes inside words.
func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '\'')
	})
	out := fields[:0]
	for _, f := range fields {
		f = strings.Trim(f, "'")
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

func result(t Type, confidence float64) Result {
	r := Result{Type: t, Confidence: clamp(confidence)}
	switch t {
	case TypeAcknowledgment:
		r.IsAcknowledgment = true
	case TypeCommand:
		r.IsCommand = true
	case TypeInterruption:
		r.IsInterruption = true
	}
	return r
}

func conversation(confidence float64) Result {
	return Result{Type: TypeConversation, Confidence: clamp(confidence)}
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
