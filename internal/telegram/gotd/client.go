// Package gotd implements the telegram.Client capability over the gotd/td
// MTProto client. All protocol details (session handshake, peer access
// hashes, file locations) stay inside this package.
package gotd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gotd/td/session"
	gotdclient "github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/downloader"
	"github.com/gotd/td/telegram/message"
	"github.com/gotd/td/telegram/message/styling"
	"github.com/gotd/td/telegram/uploader"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"

	"github.com/tgwatch/tgwatch/internal/telegram"
)

const (
	historyBatchSize = 100
	channelIDOffset  = int64(1_000_000_000_000)
)

// Options configure one logged-in account.
type Options struct {
	APIID       int
	APIHash     string
	SessionFile string
	Logger      *slog.Logger
}

// Client implements telegram.Client over gotd/td.
type Client struct {
	opts Options
	log  *slog.Logger

	client     *gotdclient.Client
	dispatcher tg.UpdateDispatcher

	handlersMu sync.Mutex
	handlers   map[int64][]telegram.NewMessageHandler

	peersMu sync.Mutex
	peers   map[int64]tg.InputPeerClass

	mediaMu sync.Mutex
	media   map[telegram.Message]tg.MessageMediaClass

	self telegram.User

	ready   chan struct{}
	runDone chan error
	stop    context.CancelFunc
}

// New builds a client for the stored session. Call OnNewMessage before
// Connect; subscriptions registered later are ignored.
func New(opts Options) *Client {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	c := &Client{
		opts:     opts,
		log:      opts.Logger.With("component", "telegram", "session", filepath.Base(opts.SessionFile)),
		handlers: make(map[int64][]telegram.NewMessageHandler),
		peers:    make(map[int64]tg.InputPeerClass),
		media:    make(map[telegram.Message]tg.MessageMediaClass),
		ready:    make(chan struct{}),
		runDone:  make(chan error, 1),
	}

	c.dispatcher = tg.NewUpdateDispatcher()
	c.dispatcher.OnNewMessage(func(ctx context.Context, e tg.Entities, u *tg.UpdateNewMessage) error {
		return c.handleUpdate(ctx, e, u.Message)
	})
	c.dispatcher.OnNewChannelMessage(func(ctx context.Context, e tg.Entities, u *tg.UpdateNewChannelMessage) error {
		return c.handleUpdate(ctx, e, u.Message)
	})

	c.client = gotdclient.NewClient(opts.APIID, opts.APIHash, gotdclient.Options{
		SessionStorage: &session.FileStorage{Path: opts.SessionFile},
		UpdateHandler:  c.dispatcher,
	})
	return c
}

// Connect starts the MTProto connection in the background and blocks
// until the session is authorized and peer state is seeded.
func (c *Client) Connect(ctx context.Context) error {
	if dir := filepath.Dir(c.opts.SessionFile); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("failed to create session directory: %w", err)
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c.stop = cancel

	go func() {
		c.runDone <- c.client.Run(runCtx, func(ctx context.Context) error {
			status, err := c.client.Auth().Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to query auth status: %w", err)
			}
			if !status.Authorized {
				return errors.New("session is not authorized, log in first")
			}

			me, err := c.client.Self(ctx)
			if err != nil {
				return fmt.Errorf("failed to fetch self: %w", err)
			}
			c.self = telegram.User{ID: me.ID, Username: me.Username}

			if err := c.seedPeers(ctx); err != nil {
				c.log.Warn("Failed to seed peer cache from dialogs", "error", err)
			}

			c.log.Info("Connected", "user_id", c.self.ID, "username", c.self.Username)
			close(c.ready)
			<-ctx.Done()
			return ctx.Err()
		})
	}()

	select {
	case <-c.ready:
		return nil
	case err := <-c.runDone:
		if err == nil {
			err = errors.New("connection closed before ready")
		}
		return err
	case <-ctx.Done():
		cancel()
		return ctx.Err()
	}
}

// Close disconnects and waits for the run loop to exit.
func (c *Client) Close() error {
	if c.stop == nil {
		return nil
	}
	c.stop()
	select {
	case err := <-c.runDone:
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	case <-time.After(10 * time.Second):
		return errors.New("timed out waiting for disconnect")
	}
}

func (c *Client) Self() telegram.User {
	return c.self
}

// RunUntilDisconnected blocks until the connection drops or ctx is
// cancelled.
func (c *Client) RunUntilDisconnected(ctx context.Context) error {
	select {
	case err := <-c.runDone:
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OnNewMessage subscribes handler to live messages in chatID.
func (c *Client) OnNewMessage(chatID int64, handler telegram.NewMessageHandler) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.handlers[chatID] = append(c.handlers[chatID], handler)
}

// IterHistory walks chatID's history newest-first in batches.
func (c *Client) IterHistory(chatID int64) telegram.MessageIter {
	return &historyIter{client: c, chatID: chatID}
}

type historyIter struct {
	client   *Client
	chatID   int64
	offsetID int
	buffer   []telegram.Message
	done     bool
}

func (it *historyIter) Next(ctx context.Context) (telegram.Message, bool, error) {
	if len(it.buffer) == 0 && !it.done {
		if err := it.fetch(ctx); err != nil {
			return telegram.Message{}, false, err
		}
	}
	if len(it.buffer) == 0 {
		return telegram.Message{}, false, nil
	}
	msg := it.buffer[0]
	it.buffer = it.buffer[1:]
	return msg, true, nil
}

func (it *historyIter) fetch(ctx context.Context) error {
	peer, err := it.client.inputPeer(it.chatID)
	if err != nil {
		return err
	}

	raw, err := it.client.api().MessagesGetHistory(ctx, &tg.MessagesGetHistoryRequest{
		Peer:     peer,
		OffsetID: it.offsetID,
		Limit:    historyBatchSize,
	})
	if err != nil {
		return wrapErr(err)
	}

	modified, ok := raw.AsModified()
	if !ok {
		it.done = true
		return nil
	}
	it.client.cacheFromLists(modified.GetUsers(), modified.GetChats())

	count := 0
	for _, m := range modified.GetMessages() {
		msg, ok := m.(*tg.Message)
		if !ok {
			continue
		}
		it.offsetID = msg.ID
		it.buffer = append(it.buffer, it.client.convert(it.chatID, msg))
		count++
	}
	if count == 0 {
		it.done = true
	}
	return nil
}

// GetMessage fetches one message by id, nil when it no longer exists.
func (c *Client) GetMessage(ctx context.Context, chatID, messageID int64) (*telegram.Message, error) {
	ids := []tg.InputMessageClass{&tg.InputMessageID{ID: int(messageID)}}

	var (
		raw tg.MessagesMessagesClass
		err error
	)
	if channelID, ok := channelFromChatID(chatID); ok {
		var channel tg.InputChannelClass
		channel, err = c.inputChannel(channelID)
		if err != nil {
			return nil, err
		}
		raw, err = c.api().ChannelsGetMessages(ctx, &tg.ChannelsGetMessagesRequest{
			Channel: channel,
			ID:      ids,
		})
	} else {
		raw, err = c.api().MessagesGetMessages(ctx, ids)
	}
	if err != nil {
		return nil, wrapErr(err)
	}

	modified, ok := raw.AsModified()
	if !ok {
		return nil, nil
	}
	c.cacheFromLists(modified.GetUsers(), modified.GetChats())

	for _, m := range modified.GetMessages() {
		msg, ok := m.(*tg.Message)
		if !ok || int64(msg.ID) != messageID {
			continue
		}
		converted := c.convert(chatID, msg)
		return &converted, nil
	}
	return nil, nil
}

// ResolveUser resolves a numeric id or @username.
func (c *Client) ResolveUser(ctx context.Context, ref string) (telegram.User, error) {
	ref = strings.TrimSpace(ref)
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		return telegram.User{ID: id}, nil
	}

	username := strings.TrimPrefix(ref, "@")
	res, err := c.api().ContactsResolveUsername(ctx, username)
	if err != nil {
		return telegram.User{}, wrapErr(err)
	}
	c.cacheFromLists(res.Users, res.Chats)

	for _, u := range res.Users {
		if user, ok := u.(*tg.User); ok {
			return telegram.User{ID: user.ID, Username: user.Username}, nil
		}
	}
	return telegram.User{}, fmt.Errorf("cannot resolve user %q", ref)
}

// DownloadMedia saves msg's media under destPath byte-identical to source.
func (c *Client) DownloadMedia(ctx context.Context, msg telegram.Message, destPath string) (string, error) {
	media, ok := c.takeMedia(msg)
	if !ok {
		// The message came from outside this client's caches (e.g. a
		// restart); refetch to recover the media descriptor.
		fresh, err := c.GetMessage(ctx, msg.ChatID, msg.ID)
		if err != nil {
			return "", err
		}
		if fresh == nil {
			return "", nil
		}
		media, ok = c.takeMedia(*fresh)
		if !ok {
			return "", nil
		}
	}

	loc := fileLocation(media)
	if loc == nil {
		return "", nil
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return "", fmt.Errorf("failed to create media directory: %w", err)
	}

	if _, err := downloader.NewDownloader().Download(c.api(), loc).ToPath(ctx, destPath); err != nil {
		return "", wrapErr(err)
	}
	return destPath, nil
}

// SendText sends a text message, optionally anchored to a thread.
func (c *Client) SendText(ctx context.Context, chatID int64, text string, opts telegram.SendOptions) error {
	peer, err := c.inputPeer(chatID)
	if err != nil {
		return err
	}
	builder := message.NewSender(c.api()).To(peer)
	if opts.ReplyTo != 0 {
		_, err = builder.Reply(int(opts.ReplyTo)).Text(ctx, text)
	} else {
		_, err = builder.Text(ctx, text)
	}
	return wrapErr(err)
}

// SendFile uploads and sends a document with an optional caption.
func (c *Client) SendFile(ctx context.Context, chatID int64, path, caption string, opts telegram.SendOptions) error {
	peer, err := c.inputPeer(chatID)
	if err != nil {
		return err
	}

	file, err := uploader.NewUploader(c.api()).FromPath(ctx, path)
	if err != nil {
		return wrapErr(err)
	}

	doc := message.UploadedDocument(file, styling.Plain(caption))
	doc.Filename(filepath.Base(path))

	builder := message.NewSender(c.api()).To(peer)
	if opts.ReplyTo != 0 {
		_, err = builder.Reply(int(opts.ReplyTo)).Media(ctx, doc)
	} else {
		_, err = builder.Media(ctx, doc)
	}
	return wrapErr(err)
}

func (c *Client) api() *tg.Client {
	return c.client.API()
}

func (c *Client) handleUpdate(ctx context.Context, e tg.Entities, raw tg.MessageClass) error {
	c.cacheEntities(e)

	msg, ok := raw.(*tg.Message)
	if !ok {
		return nil
	}
	chatID := chatIDFromPeer(msg.PeerID)

	c.handlersMu.Lock()
	handlers := c.handlers[chatID]
	c.handlersMu.Unlock()
	if len(handlers) == 0 {
		return nil
	}

	converted := c.convert(chatID, msg)
	for _, handler := range handlers {
		if err := handler(ctx, converted); err != nil {
			c.log.Error("Live message handler failed", "chat_id", chatID, "message_id", converted.ID, "error", err)
		}
	}
	return nil
}

// convert maps a raw message onto the capability view and remembers its
// media descriptor for a later DownloadMedia call.
func (c *Client) convert(chatID int64, m *tg.Message) telegram.Message {
	msg := telegram.Message{
		ChatID: chatID,
		ID:     int64(m.ID),
		Time:   time.Unix(int64(m.Date), 0).UTC(),
		Text:   m.Message,
	}

	if from, ok := m.GetFromID(); ok {
		if pu, ok := from.(*tg.PeerUser); ok {
			msg.SenderID = pu.UserID
		}
	} else if pu, ok := m.PeerID.(*tg.PeerUser); ok {
		msg.SenderID = pu.UserID
	}

	if replyTo, ok := m.GetReplyTo(); ok {
		if header, ok := replyTo.(*tg.MessageReplyHeader); ok {
			msg.IsReply = true
			msg.ForumTopic = header.ForumTopic
			if id, ok := header.GetReplyToMsgID(); ok {
				msg.ReplyToMsgID = int64(id)
			}
			if top, ok := header.GetReplyToTopID(); ok {
				msg.ReplyToTopID = int64(top)
			}
		}
	}

	if m.Media != nil {
		if loc := fileLocation(m.Media); loc != nil {
			msg.HasMedia = true
			msg.MimeType = mimeType(m.Media)
			c.rememberMedia(msg, m.Media)
		}
	}
	return msg
}

func (c *Client) rememberMedia(msg telegram.Message, media tg.MessageMediaClass) {
	c.mediaMu.Lock()
	defer c.mediaMu.Unlock()
	if len(c.media) > 4096 {
		c.media = make(map[telegram.Message]tg.MessageMediaClass)
	}
	c.media[msg] = media
}

func (c *Client) takeMedia(msg telegram.Message) (tg.MessageMediaClass, bool) {
	c.mediaMu.Lock()
	defer c.mediaMu.Unlock()
	media, ok := c.media[msg]
	return media, ok
}

// seedPeers fills the access-hash cache from the account's dialog list so
// configured chats resolve without a username.
func (c *Client) seedPeers(ctx context.Context) error {
	raw, err := c.api().MessagesGetDialogs(ctx, &tg.MessagesGetDialogsRequest{
		OffsetPeer: &tg.InputPeerEmpty{},
		Limit:      100,
	})
	if err != nil {
		return wrapErr(err)
	}

	switch d := raw.(type) {
	case *tg.MessagesDialogs:
		c.cacheFromLists(d.Users, d.Chats)
	case *tg.MessagesDialogsSlice:
		c.cacheFromLists(d.Users, d.Chats)
	}
	return nil
}

func (c *Client) cacheEntities(e tg.Entities) {
	c.peersMu.Lock()
	defer c.peersMu.Unlock()
	for id, user := range e.Users {
		c.peers[id] = &tg.InputPeerUser{UserID: id, AccessHash: user.AccessHash}
	}
	for id := range e.Chats {
		c.peers[-id] = &tg.InputPeerChat{ChatID: id}
	}
	for id, channel := range e.Channels {
		c.peers[-channelIDOffset-id] = &tg.InputPeerChannel{ChannelID: id, AccessHash: channel.AccessHash}
	}
}

func (c *Client) cacheFromLists(users []tg.UserClass, chats []tg.ChatClass) {
	c.peersMu.Lock()
	defer c.peersMu.Unlock()
	for _, u := range users {
		if user, ok := u.(*tg.User); ok {
			c.peers[user.ID] = &tg.InputPeerUser{UserID: user.ID, AccessHash: user.AccessHash}
		}
	}
	for _, ch := range chats {
		switch chat := ch.(type) {
		case *tg.Chat:
			c.peers[-chat.ID] = &tg.InputPeerChat{ChatID: chat.ID}
		case *tg.Channel:
			c.peers[-channelIDOffset-chat.ID] = &tg.InputPeerChannel{ChannelID: chat.ID, AccessHash: chat.AccessHash}
		}
	}
}

func (c *Client) inputPeer(chatID int64) (tg.InputPeerClass, error) {
	c.peersMu.Lock()
	peer, ok := c.peers[chatID]
	c.peersMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("peer %d not known, is the account a member of the chat?", chatID)
	}
	return peer, nil
}

func (c *Client) inputChannel(channelID int64) (tg.InputChannelClass, error) {
	peer, err := c.inputPeer(-channelIDOffset - channelID)
	if err != nil {
		return nil, err
	}
	channel, ok := peer.(*tg.InputPeerChannel)
	if !ok {
		return nil, fmt.Errorf("peer %d is not a channel", channelID)
	}
	return &tg.InputChannel{ChannelID: channel.ChannelID, AccessHash: channel.AccessHash}, nil
}

// chatIDFromPeer maps a peer onto the bot-API-style chat id convention
// used throughout the config: -100xxxxxxxxxx for channels, negative for
// basic groups, positive for users.
func chatIDFromPeer(peer tg.PeerClass) int64 {
	switch p := peer.(type) {
	case *tg.PeerChannel:
		return -channelIDOffset - p.ChannelID
	case *tg.PeerChat:
		return -p.ChatID
	case *tg.PeerUser:
		return p.UserID
	}
	return 0
}

func channelFromChatID(chatID int64) (int64, bool) {
	if chatID < -channelIDOffset {
		return -chatID - channelIDOffset, true
	}
	return 0, false
}

func fileLocation(media tg.MessageMediaClass) tg.InputFileLocationClass {
	switch m := media.(type) {
	case *tg.MessageMediaPhoto:
		photo, ok := m.Photo.(*tg.Photo)
		if !ok {
			return nil
		}
		thumb := ""
		for _, size := range photo.Sizes {
			switch s := size.(type) {
			case *tg.PhotoSize:
				thumb = s.Type
			case *tg.PhotoSizeProgressive:
				thumb = s.Type
			}
		}
		if thumb == "" {
			return nil
		}
		return &tg.InputPhotoFileLocation{
			ID:            photo.ID,
			AccessHash:    photo.AccessHash,
			FileReference: photo.FileReference,
			ThumbSize:     thumb,
		}
	case *tg.MessageMediaDocument:
		doc, ok := m.Document.(*tg.Document)
		if !ok {
			return nil
		}
		return &tg.InputDocumentFileLocation{
			ID:            doc.ID,
			AccessHash:    doc.AccessHash,
			FileReference: doc.FileReference,
		}
	}
	return nil
}

func mimeType(media tg.MessageMediaClass) string {
	switch m := media.(type) {
	case *tg.MessageMediaPhoto:
		return "image/jpeg"
	case *tg.MessageMediaDocument:
		if doc, ok := m.Document.(*tg.Document); ok {
			return doc.MimeType
		}
	}
	return ""
}

// wrapErr converts gotd's FLOOD_WAIT errors into the capability-level
// rate-limit signal; everything else passes through.
func wrapErr(err error) error {
	if err == nil {
		return nil
	}
	if wait, ok := tgerr.AsFloodWait(err); ok {
		return &telegram.FloodWaitError{Wait: wait}
	}
	return err
}
