package watch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/tgwatch/tgwatch/internal/telegram"
)

type sentText struct {
	chatID  int64
	text    string
	replyTo int64
}

type sentFile struct {
	chatID  int64
	path    string
	caption string
	replyTo int64
}

// fakeClient is an in-memory telegram.Client for tests. History is held
// newest-first, matching the iteration order of the real adapter.
type fakeClient struct {
	mu sync.Mutex

	self     telegram.User
	history  map[int64][]telegram.Message
	messages map[[2]int64]*telegram.Message
	media    map[[2]int64][]byte

	getErr  error
	sendErr error

	getCalls  int
	sentTexts []sentText
	sentFiles []sentFile

	handlers map[int64][]telegram.NewMessageHandler
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		self:     telegram.User{ID: 1000, Username: "owner"},
		history:  make(map[int64][]telegram.Message),
		messages: make(map[[2]int64]*telegram.Message),
		media:    make(map[[2]int64][]byte),
		handlers: make(map[int64][]telegram.NewMessageHandler),
	}
}

func (f *fakeClient) addMessage(msg telegram.Message) {
	f.messages[[2]int64{msg.ChatID, msg.ID}] = &msg
}

func (f *fakeClient) Connect(ctx context.Context) error { return nil }
func (f *fakeClient) Close() error                      { return nil }
func (f *fakeClient) Self() telegram.User               { return f.self }

func (f *fakeClient) IterHistory(chatID int64) telegram.MessageIter {
	return &fakeIter{messages: f.history[chatID]}
}

type fakeIter struct {
	messages []telegram.Message
	pos      int
}

func (it *fakeIter) Next(ctx context.Context) (telegram.Message, bool, error) {
	if it.pos >= len(it.messages) {
		return telegram.Message{}, false, nil
	}
	msg := it.messages[it.pos]
	it.pos++
	return msg, true, nil
}

func (f *fakeClient) GetMessage(ctx context.Context, chatID, messageID int64) (*telegram.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCalls++
	if f.getErr != nil {
		return nil, f.getErr
	}
	msg, ok := f.messages[[2]int64{chatID, messageID}]
	if !ok {
		return nil, nil
	}
	copied := *msg
	return &copied, nil
}

func (f *fakeClient) ResolveUser(ctx context.Context, ref string) (telegram.User, error) {
	return telegram.User{}, fmt.Errorf("unknown user %q", ref)
}

func (f *fakeClient) DownloadMedia(ctx context.Context, msg telegram.Message, destPath string) (string, error) {
	data, ok := f.media[[2]int64{msg.ChatID, msg.ID}]
	if !ok {
		return "", nil
	}
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(destPath, data, 0o644); err != nil {
		return "", err
	}
	return destPath, nil
}

func (f *fakeClient) SendText(ctx context.Context, chatID int64, text string, opts telegram.SendOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sentTexts = append(f.sentTexts, sentText{chatID: chatID, text: text, replyTo: opts.ReplyTo})
	return nil
}

func (f *fakeClient) SendFile(ctx context.Context, chatID int64, path, caption string, opts telegram.SendOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sentFiles = append(f.sentFiles, sentFile{chatID: chatID, path: path, caption: caption, replyTo: opts.ReplyTo})
	return nil
}

func (f *fakeClient) OnNewMessage(chatID int64, handler telegram.NewMessageHandler) {
	f.handlers[chatID] = append(f.handlers[chatID], handler)
}

func (f *fakeClient) RunUntilDisconnected(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}
