// Package links builds https://t.me deep links for chats and messages.
package links

import (
	"fmt"
	"strings"
)

// Message returns the t.me link for a message, or "" when no public link
// form exists for the chat id.
func Message(chatID, messageID int64) string {
	if messageID == 0 {
		return ""
	}
	chat := fmt.Sprintf("%d", chatID)
	switch {
	case strings.HasPrefix(chat, "-100"):
		chat = chat[4:]
	case strings.HasPrefix(chat, "-"):
		chat = chat[1:]
	}
	if chat == "" {
		return ""
	}
	return fmt.Sprintf("https://t.me/c/%s/%d", chat, messageID)
}
