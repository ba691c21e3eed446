package response

import (
	"context"
	"math/rand/v2"
	"strings"
	"unicode"
)

// Reply categories used by the keyword generator
const (
	CategoryGreeting       = "greeting"
	CategoryAcknowledgment = "acknowledgment"
	CategoryConfirmation   = "confirmation"
	CategoryClarification  = "clarification"
	CategoryClosing        = "closing"
)

var basicReplies = map[string][]string{
	CategoryGreeting: {
		"Hello! How can I help you today?",
		"Hi there! What can I do for you?",
		"Welcome! How may I assist you?",
	},
	CategoryAcknowledgment: {
		"I understand what you're saying.",
		"Got it, I follow you.",
		"I hear you clearly.",
		"I understand your point.",
	},
	CategoryConfirmation: {
		"Sure, I can help with that.",
		"Let me assist you with that.",
		"I'll help you with this.",
	},
	CategoryClarification: {
		"Could you please elaborate?",
		"Would you mind explaining more?",
		"Can you provide more details?",
	},
	CategoryClosing: {
		"Thank you for talking with me.",
		"Is there anything else you need?",
		"Let me know if you need more help.",
	},
}

// BasicGenerator answers from fixed reply lists chosen by keyword
type BasicGenerator struct {
	pick func(n int) int
}

// NewBasicGenerator creates a keyword generator with random reply choice
func NewBasicGenerator() *BasicGenerator {
	return &BasicGenerator{pick: rand.IntN}
}

// GenerateReply never fails
func (g *BasicGenerator) GenerateReply(_ context.Context, text, _ string) (string, error) {
	return g.Reply(text), nil
}

// Reply returns a canned reply for text
func (g *BasicGenerator) Reply(text string) string {
	replies := basicReplies[Classify(text)]
	return replies[g.pick(len(replies))]
}

// Classify maps an utterance to a reply category. Earlier categories win.
func Classify(text string) string {
	lower := strings.ToLower(text)
	words := strings.FieldsFunc(lower, func(r rune) bool {
		return !unicode.IsLetter(r) && r != '\''
	})

	has := func(keys ...string) bool {
		for _, w := range words {
			for _, k := range keys {
				if w == k {
					return true
				}
			}
		}
		return false
	}
	hasPrefix := func(prefix string) bool {
		for _, w := range words {
			if strings.HasPrefix(w, prefix) {
				return true
			}
		}
		return false
	}

	switch {
	case has("hello", "hi", "hey"):
		return CategoryGreeting
	case strings.Contains(lower, "?") || has("what", "how", "why"):
		return CategoryClarification
	case has("bye", "goodbye") || hasPrefix("thank"):
		return CategoryClosing
	case has("help", "please", "can"):
		return CategoryConfirmation
	default:
		return CategoryAcknowledgment
	}
}
