package gotd

import (
	"testing"

	"github.com/gotd/td/tg"
)

func TestChatIDFromPeer(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		peer tg.PeerClass
		want int64
	}{
		{name: "channel", peer: &tg.PeerChannel{ChannelID: 1234567890}, want: -1001234567890},
		{name: "basic group", peer: &tg.PeerChat{ChatID: 987654}, want: -987654},
		{name: "user", peer: &tg.PeerUser{UserID: 555}, want: 555},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := chatIDFromPeer(tt.peer); got != tt.want {
				t.Errorf("chatIDFromPeer = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestChannelFromChatID(t *testing.T) {
	t.Parallel()

	if id, ok := channelFromChatID(-1001234567890); !ok || id != 1234567890 {
		t.Errorf("channelFromChatID = %d, %v", id, ok)
	}
	if _, ok := channelFromChatID(-987654); ok {
		t.Error("basic group id must not map to a channel")
	}
	if _, ok := channelFromChatID(555); ok {
		t.Error("user id must not map to a channel")
	}
}

func TestFileLocation(t *testing.T) {
	t.Parallel()

	photo := &tg.MessageMediaPhoto{}
	photo.SetPhoto(&tg.Photo{
		ID: 1, AccessHash: 2, FileReference: []byte{3},
		Sizes: []tg.PhotoSizeClass{
			&tg.PhotoSize{Type: "m", Size: 100},
			&tg.PhotoSize{Type: "x", Size: 500},
		},
	})
	loc := fileLocation(photo)
	photoLoc, ok := loc.(*tg.InputPhotoFileLocation)
	if !ok {
		t.Fatalf("photo location = %T", loc)
	}
	if photoLoc.ThumbSize != "x" {
		t.Errorf("thumb size = %q, want the largest size", photoLoc.ThumbSize)
	}

	doc := &tg.MessageMediaDocument{}
	doc.SetDocument(&tg.Document{ID: 9, AccessHash: 8, MimeType: "application/pdf"})
	if _, ok := fileLocation(doc).(*tg.InputDocumentFileLocation); !ok {
		t.Errorf("document location = %T", fileLocation(doc))
	}

	if fileLocation(&tg.MessageMediaWebPage{}) != nil {
		t.Error("web page media has nothing to download")
	}
}

func TestMimeType(t *testing.T) {
	t.Parallel()

	photo := &tg.MessageMediaPhoto{}
	photo.SetPhoto(&tg.Photo{ID: 1})
	if got := mimeType(photo); got != "image/jpeg" {
		t.Errorf("photo mime = %q", got)
	}

	doc := &tg.MessageMediaDocument{}
	doc.SetDocument(&tg.Document{MimeType: "video/mp4"})
	if got := mimeType(doc); got != "video/mp4" {
		t.Errorf("document mime = %q", got)
	}
}
