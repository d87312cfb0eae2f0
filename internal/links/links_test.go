package links

import "testing"

func TestMessage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		chatID    int64
		messageID int64
		want      string
	}{
		{name: "channel", chatID: -1001234567890, messageID: 42, want: "https://t.me/c/1234567890/42"},
		{name: "basic group", chatID: -987654, messageID: 7, want: "https://t.me/c/987654/7"},
		{name: "positive id", chatID: 555, messageID: 1, want: "https://t.me/c/555/1"},
		{name: "zero message id", chatID: -1001234567890, messageID: 0, want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := Message(tt.chatID, tt.messageID); got != tt.want {
				t.Errorf("Message(%d, %d) = %q, want %q", tt.chatID, tt.messageID, got, tt.want)
			}
		})
	}
}
