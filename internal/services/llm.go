package services

import (
	"strings"

	"github.com/eduzmena/chatbot/internal/models"
)

// LLMParameters are optional sampling parameters shared by the providers. Nil fields keep the
// provider's defaults.
type LLMParameters struct {
	Temperature *float32 `yaml:"temperature"`
	TopP        *float32 `yaml:"topP"`
	Seed        *int     `yaml:"seed"`
	Stop        []string `yaml:"stop"`
}

const errLoggerKey = "err"

// historyRole maps a stored message role to the role an LLM expects. Tool notes are not sent back to
// the model; ok is false for them.
func historyRole(r models.Role) (role string, ok bool) {
	switch r {
	case models.RoleUser:
		return "user", true
	case models.RoleAssistant:
		return "assistant", true
	default:
		return "", false
	}
}

const titlePrompt = "Write a title of at most six words for a conversation that starts with the user's " +
	"message. Reply with the title only, without quotes or punctuation at the end."

const maxTitleLen = 80

// cleanTitle trims what models tend to wrap titles in and bounds the length.
func cleanTitle(title string) string {
	title = strings.TrimSpace(title)
	title = strings.Trim(title, "\"'`*#")
	title = strings.TrimSpace(title)
	if i := strings.IndexByte(title, '\n'); i >= 0 {
		title = strings.TrimSpace(title[:i])
	}
	if r := []rune(title); len(r) > maxTitleLen {
		title = string(r[:maxTitleLen])
	}
	return title
}
