// Package loopback is an in-process messaging service. It keeps one chat's
// message history in memory and stores document bytes in a storage.Backend.
//
// Downloads are simulated the way the real service reports them: after
// downloadFile, each getFile poll advances the downloaded prefix by
// Config.DownloadStep bytes until the file is complete.
package loopback

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/0xdsaini/telegramdrive/internal/logging"
	"github.com/0xdsaini/telegramdrive/internal/metrics"
	"github.com/0xdsaini/telegramdrive/internal/storage"
	"github.com/0xdsaini/telegramdrive/pkg/protocol"
)

// Message ids advance in steps of 1<<20 like the real service's server ids.
const messageIDStep = 1 << 20

// Config holds loopback settings.
type Config struct {
	ChatID int64
	// DownloadStep is the number of bytes each getFile poll adds to an
	// active download. Zero completes downloads immediately.
	DownloadStep int64
	// MaxDocumentSize rejects larger uploads (0 = unlimited).
	MaxDocumentSize int64
	// Base64Parts returns readFilePart data as base64 text instead of bytes.
	Base64Parts bool
}

type fileState struct {
	id       int32
	key      string
	size     int64
	prefix   int64
	active   bool
	stalled  int
	uniqueID string
}

// Chat implements transport.Transport.
type Chat struct {
	cfg   Config
	blobs storage.Backend

	mu       sync.Mutex
	messages []*protocol.Message // ascending by id
	files    map[int32]*fileState
	nextMsg  int64
	nextFile int32
	stall    int
	calls    map[string]int
}

// New creates an empty chat whose documents are kept in blobs.
func New(cfg Config, blobs storage.Backend) *Chat {
	return &Chat{
		cfg:      cfg,
		blobs:    blobs,
		files:    make(map[int32]*fileState),
		nextMsg:  messageIDStep,
		nextFile: 1,
		calls:    make(map[string]int),
	}
}

// StallDownloads makes the next active download stop making progress for
// n getFile polls. Used to exercise resume logic.
func (c *Chat) StallDownloads(n int) {
	c.mu.Lock()
	c.stall = n
	c.mu.Unlock()
}

// Calls returns how many requests of the given type were received.
func (c *Chat) Calls(typeName string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[typeName]
}

func remoteErr(code int, format string, args ...any) error {
	return &protocol.Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Send implements transport.Transport.
func (c *Chat) Send(ctx context.Context, req protocol.Request) (protocol.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.calls[req.TypeName()]++
	c.mu.Unlock()

	resp, err := c.dispatch(ctx, req)
	metrics.RecordRPC(req.TypeName(), err == nil)
	if err != nil {
		logging.Debug("loopback request failed", zap.String("type", req.TypeName()), zap.Error(err))
	}
	return resp, err
}

func (c *Chat) dispatch(ctx context.Context, req protocol.Request) (protocol.Response, error) {
	switch r := req.(type) {
	case protocol.SendMessage:
		return c.sendMessage(ctx, r)
	case protocol.EditMessageText:
		return c.editMessageText(r)
	case protocol.SearchChatMessages:
		return c.search(r)
	case protocol.GetChatHistory:
		return c.history(r)
	case protocol.GetMessage:
		return c.getMessage(r)
	case protocol.DeleteMessages:
		return c.deleteMessages(ctx, r)
	case protocol.GetFile:
		return c.getFile(r)
	case protocol.DownloadFile:
		return c.downloadFile(r)
	case protocol.CancelDownloadFile:
		return c.cancelDownload(r)
	case protocol.ReadFilePart:
		return c.readFilePart(ctx, r)
	default:
		return nil, remoteErr(400, "unsupported request %s", req.TypeName())
	}
}

func (c *Chat) checkChat(chatID int64) error {
	if chatID != c.cfg.ChatID {
		return remoteErr(400, "Chat not found")
	}
	return nil
}

func (c *Chat) sendMessage(ctx context.Context, r protocol.SendMessage) (protocol.Response, error) {
	if err := c.checkChat(r.ChatID); err != nil {
		return nil, err
	}
	switch {
	case r.Text != nil && r.Document == nil:
		c.mu.Lock()
		defer c.mu.Unlock()
		msg := c.appendLocked(protocol.MessageContent{
			Type: protocol.ContentText,
			Text: &protocol.FormattedText{Text: r.Text.Text},
		})
		return cloneMessage(msg), nil

	case r.Document != nil:
		size := int64(len(r.Document.Data))
		if c.cfg.MaxDocumentSize > 0 && size > c.cfg.MaxDocumentSize {
			return nil, remoteErr(400, "File is too big")
		}

		c.mu.Lock()
		msgID := c.nextMsg
		c.nextMsg += messageIDStep
		fileID := c.nextFile
		c.nextFile++
		c.mu.Unlock()

		key := fmt.Sprintf("%d/%d", r.ChatID, msgID)
		if err := c.blobs.PutObject(ctx, key, bytes.NewReader(r.Document.Data), size); err != nil {
			return nil, remoteErr(500, "upload failed: %v", err)
		}

		fs := &fileState{id: fileID, key: key, size: size, uniqueID: fmt.Sprintf("u%d", fileID)}
		msg := &protocol.Message{
			ID:     msgID,
			ChatID: r.ChatID,
			Date:   time.Now().Unix(),
			Content: protocol.MessageContent{
				Type: protocol.ContentDocument,
				Document: &protocol.Document{
					FileName: r.Document.FileName,
					MimeType: r.Document.MimeType,
				},
			},
		}

		c.mu.Lock()
		defer c.mu.Unlock()
		c.files[fileID] = fs
		c.messages = append(c.messages, msg)
		c.refreshLocked(msg)
		return cloneMessage(msg), nil

	default:
		return nil, remoteErr(400, "message content is empty")
	}
}

func (c *Chat) appendLocked(content protocol.MessageContent) *protocol.Message {
	msg := &protocol.Message{
		ID:      c.nextMsg,
		ChatID:  c.cfg.ChatID,
		Date:    time.Now().Unix(),
		Content: content,
	}
	c.nextMsg += messageIDStep
	c.messages = append(c.messages, msg)
	return msg
}

// refreshLocked copies the current file state into a document message.
func (c *Chat) refreshLocked(msg *protocol.Message) {
	doc := msg.Content.Document
	if doc == nil {
		return
	}
	for _, fs := range c.files {
		if fs.key == fmt.Sprintf("%d/%d", msg.ChatID, msg.ID) {
			doc.File = fs.snapshot()
			return
		}
	}
}

func (fs *fileState) snapshot() protocol.File {
	return protocol.File{
		ID:           fs.id,
		Size:         fs.size,
		ExpectedSize: fs.size,
		Local: protocol.LocalFile{
			CanBeDownloaded:        true,
			IsDownloadingActive:    fs.active,
			IsDownloadingCompleted: fs.prefix >= fs.size,
			DownloadedPrefixSize:   fs.prefix,
			DownloadedSize:         fs.prefix,
		},
		Remote: protocol.RemoteFile{
			ID:                   fs.key,
			UniqueID:             fs.uniqueID,
			IsUploadingCompleted: true,
			UploadedSize:         fs.size,
		},
	}
}

func (c *Chat) findLocked(id int64) (int, *protocol.Message) {
	for i, m := range c.messages {
		if m.ID == id {
			return i, m
		}
	}
	return -1, nil
}

func (c *Chat) editMessageText(r protocol.EditMessageText) (protocol.Response, error) {
	if err := c.checkChat(r.ChatID); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_, msg := c.findLocked(r.MessageID)
	if msg == nil {
		return nil, remoteErr(404, "Message not found")
	}
	if msg.Content.Type != protocol.ContentText {
		return nil, remoteErr(400, "Message can't be edited")
	}
	msg.Content.Text = &protocol.FormattedText{Text: r.Text.Text}
	return cloneMessage(msg), nil
}

func (c *Chat) search(r protocol.SearchChatMessages) (protocol.Response, error) {
	if err := c.checkChat(r.ChatID); err != nil {
		return nil, err
	}
	query := strings.ToLower(r.Query)
	c.mu.Lock()
	defer c.mu.Unlock()

	out := &protocol.FoundChatMessages{Messages: []*protocol.Message{}}
	for i := len(c.messages) - 1; i >= 0; i-- {
		m := c.messages[i]
		if r.FromMessageID != 0 && m.ID >= r.FromMessageID {
			continue
		}
		if !strings.Contains(strings.ToLower(searchText(m)), query) {
			continue
		}
		out.TotalCount++
		if r.Limit > 0 && len(out.Messages) >= r.Limit {
			continue
		}
		out.Messages = append(out.Messages, cloneMessage(m))
	}
	if n := len(out.Messages); n > 0 && out.TotalCount > n {
		out.NextFromMessageID = out.Messages[n-1].ID
	}
	return out, nil
}

func searchText(m *protocol.Message) string {
	if m.Content.Text != nil {
		return m.Content.Text.Text
	}
	if m.Content.Document != nil {
		return m.Content.Document.FileName
	}
	return ""
}

// history returns messages strictly older than FromMessageID, newest first.
func (c *Chat) history(r protocol.GetChatHistory) (protocol.Response, error) {
	if err := c.checkChat(r.ChatID); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	out := &protocol.Messages{Messages: []*protocol.Message{}, TotalCount: len(c.messages)}
	for i := len(c.messages) - 1; i >= 0; i-- {
		m := c.messages[i]
		if r.FromMessageID != 0 && m.ID >= r.FromMessageID {
			continue
		}
		if r.Limit > 0 && len(out.Messages) >= r.Limit {
			break
		}
		out.Messages = append(out.Messages, cloneMessage(m))
	}
	return out, nil
}

func (c *Chat) getMessage(r protocol.GetMessage) (protocol.Response, error) {
	if err := c.checkChat(r.ChatID); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_, msg := c.findLocked(r.MessageID)
	if msg == nil {
		return nil, remoteErr(404, "Message not found")
	}
	c.refreshLocked(msg)
	return cloneMessage(msg), nil
}

func (c *Chat) deleteMessages(ctx context.Context, r protocol.DeleteMessages) (protocol.Response, error) {
	if err := c.checkChat(r.ChatID); err != nil {
		return nil, err
	}
	var keys []string
	c.mu.Lock()
	for _, id := range r.MessageIDs {
		i, msg := c.findLocked(id)
		if msg == nil {
			continue
		}
		c.messages = append(c.messages[:i], c.messages[i+1:]...)
		if msg.Content.Document != nil {
			key := fmt.Sprintf("%d/%d", msg.ChatID, msg.ID)
			for fid, fs := range c.files {
				if fs.key == key {
					delete(c.files, fid)
				}
			}
			keys = append(keys, key)
		}
	}
	c.mu.Unlock()

	for _, key := range keys {
		if err := c.blobs.DeleteObject(ctx, key); err != nil {
			logging.Warn("loopback blob delete failed", zap.String("key", key), zap.Error(err))
		}
	}
	return &protocol.Ok{}, nil
}

func (c *Chat) getFile(r protocol.GetFile) (protocol.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fs, ok := c.files[r.FileID]
	if !ok {
		return nil, remoteErr(404, "File not found")
	}
	if fs.active {
		if c.stall > 0 {
			fs.stalled = c.stall
			c.stall = 0
		}
		switch {
		case fs.stalled > 0:
			fs.stalled--
		case c.cfg.DownloadStep <= 0:
			fs.prefix = fs.size
		default:
			fs.prefix += c.cfg.DownloadStep
			if fs.prefix > fs.size {
				fs.prefix = fs.size
			}
		}
		if fs.prefix >= fs.size {
			fs.active = false
		}
	}
	f := fs.snapshot()
	return &f, nil
}

func (c *Chat) downloadFile(r protocol.DownloadFile) (protocol.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fs, ok := c.files[r.FileID]
	if !ok {
		return nil, remoteErr(404, "File not found")
	}
	if r.Offset < 0 || r.Offset > fs.size {
		return nil, remoteErr(400, "Invalid offset")
	}
	// Already downloaded bytes are kept; the download continues from the
	// end of the contiguous prefix.
	if fs.prefix < fs.size {
		fs.active = true
	}
	if r.Synchronous || c.cfg.DownloadStep <= 0 {
		fs.prefix = fs.size
		fs.active = false
	}
	f := fs.snapshot()
	return &f, nil
}

func (c *Chat) cancelDownload(r protocol.CancelDownloadFile) (protocol.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fs, ok := c.files[r.FileID]
	if !ok {
		return nil, remoteErr(404, "File not found")
	}
	fs.active = false
	fs.stalled = 0
	return &protocol.Ok{}, nil
}

func (c *Chat) readFilePart(ctx context.Context, r protocol.ReadFilePart) (protocol.Response, error) {
	c.mu.Lock()
	fs, ok := c.files[r.FileID]
	var key string
	var prefix, size int64
	if ok {
		key, prefix, size = fs.key, fs.prefix, fs.size
	}
	c.mu.Unlock()
	if !ok {
		return nil, remoteErr(404, "File not found")
	}

	count := r.Count
	if count == 0 {
		count = size - r.Offset
	}
	if r.Offset < 0 || count < 0 || r.Offset+count > size {
		return nil, remoteErr(400, "Invalid file part")
	}
	if r.Offset+count > prefix {
		return nil, remoteErr(400, "File part is not downloaded")
	}
	if count == 0 {
		return &protocol.FilePart{Data: protocol.RawPayload([]byte{})}, nil
	}

	rc, _, err := c.blobs.GetObject(ctx, key, r.Offset, count)
	if err != nil {
		return nil, remoteErr(500, "read failed: %v", err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, remoteErr(500, "read failed: %v", err)
	}

	if c.cfg.Base64Parts {
		return &protocol.FilePart{Data: protocol.Base64Payload(base64.StdEncoding.EncodeToString(data))}, nil
	}
	return &protocol.FilePart{Data: protocol.RawPayload(data)}, nil
}

func cloneMessage(m *protocol.Message) *protocol.Message {
	out := *m
	if m.Content.Text != nil {
		t := *m.Content.Text
		out.Content.Text = &t
	}
	if m.Content.Document != nil {
		d := *m.Content.Document
		out.Content.Document = &d
	}
	return &out
}
