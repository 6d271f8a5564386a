// Package remote is a chat-scoped client over a transport. Components use it
// instead of building protocol requests by hand.
package remote

import (
	"context"
	"errors"
	"fmt"

	"github.com/0xdsaini/telegramdrive/internal/transport"
	"github.com/0xdsaini/telegramdrive/pkg/protocol"
)

// ErrNotDocument is returned when a message expected to carry a file does not.
var ErrNotDocument = errors.New("message has no document")

// Client talks to a single chat.
type Client struct {
	t      transport.Transport
	chatID int64
}

// New creates a client for chatID.
func New(t transport.Transport, chatID int64) *Client {
	return &Client{t: t, chatID: chatID}
}

// ChatID returns the chat this client is bound to.
func (c *Client) ChatID() int64 {
	return c.chatID
}

// Transport returns the underlying transport.
func (c *Client) Transport() transport.Transport {
	return c.t
}

// SendText posts a text message.
func (c *Client) SendText(ctx context.Context, text string) (*protocol.Message, error) {
	return transport.Call[*protocol.Message](ctx, c.t, protocol.SendMessage{
		ChatID: c.chatID,
		Text:   &protocol.FormattedText{Text: text},
	})
}

// EditText replaces the text of message id.
func (c *Client) EditText(ctx context.Context, id int64, text string) (*protocol.Message, error) {
	return transport.Call[*protocol.Message](ctx, c.t, protocol.EditMessageText{
		ChatID:    c.chatID,
		MessageID: id,
		Text:      protocol.FormattedText{Text: text},
	})
}

// Search finds messages containing query, newest first.
func (c *Client) Search(ctx context.Context, query string, fromID int64, limit int) (*protocol.FoundChatMessages, error) {
	return transport.Call[*protocol.FoundChatMessages](ctx, c.t, protocol.SearchChatMessages{
		ChatID:        c.chatID,
		Query:         query,
		FromMessageID: fromID,
		Limit:         limit,
	})
}

// History returns up to limit messages older than fromID (0 = newest).
func (c *Client) History(ctx context.Context, fromID int64, limit int) (*protocol.Messages, error) {
	return transport.Call[*protocol.Messages](ctx, c.t, protocol.GetChatHistory{
		ChatID:        c.chatID,
		FromMessageID: fromID,
		Limit:         limit,
	})
}

// Message fetches message id.
func (c *Client) Message(ctx context.Context, id int64) (*protocol.Message, error) {
	return transport.Call[*protocol.Message](ctx, c.t, protocol.GetMessage{
		ChatID:    c.chatID,
		MessageID: id,
	})
}

// SendDocument uploads data as a document message.
func (c *Client) SendDocument(ctx context.Context, name, mimeType string, data []byte) (*protocol.Message, error) {
	return transport.Call[*protocol.Message](ctx, c.t, protocol.SendMessage{
		ChatID: c.chatID,
		Document: &protocol.InputDocument{
			FileName: name,
			MimeType: mimeType,
			Data:     data,
		},
	})
}

// Document returns the document attached to message id.
func (c *Client) Document(ctx context.Context, id int64) (*protocol.Document, error) {
	msg, err := c.Message(ctx, id)
	if err != nil {
		return nil, err
	}
	if msg.Content.Document == nil {
		return nil, fmt.Errorf("message %d: %w", id, ErrNotDocument)
	}
	return msg.Content.Document, nil
}

// Delete removes messages from the chat for everyone.
func (c *Client) Delete(ctx context.Context, ids ...int64) error {
	_, err := transport.Call[*protocol.Ok](ctx, c.t, protocol.DeleteMessages{
		ChatID:     c.chatID,
		MessageIDs: ids,
		Revoke:     true,
	})
	return err
}

// File returns the download state of fileID.
func (c *Client) File(ctx context.Context, fileID int32) (*protocol.File, error) {
	return transport.Call[*protocol.File](ctx, c.t, protocol.GetFile{FileID: fileID})
}

// StartDownload asks the service to fetch fileID from offset onwards.
func (c *Client) StartDownload(ctx context.Context, fileID int32, offset int64) (*protocol.File, error) {
	return transport.Call[*protocol.File](ctx, c.t, protocol.DownloadFile{
		FileID:   fileID,
		Priority: 1,
		Offset:   offset,
	})
}

// CancelDownload stops an in-flight download of fileID.
func (c *Client) CancelDownload(ctx context.Context, fileID int32) error {
	_, err := transport.Call[*protocol.Ok](ctx, c.t, protocol.CancelDownloadFile{FileID: fileID})
	return err
}

// ReadPart reads count bytes at offset of fileID.
func (c *Client) ReadPart(ctx context.Context, fileID int32, offset, count int64) ([]byte, error) {
	part, err := transport.Call[*protocol.FilePart](ctx, c.t, protocol.ReadFilePart{
		FileID: fileID,
		Offset: offset,
		Count:  count,
	})
	if err != nil {
		return nil, err
	}
	return part.Data.Bytes()
}
