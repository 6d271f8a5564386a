// Package protocol defines the request/response objects exchanged with the
// messaging service. Objects are JSON with an "@type" discriminator and an
// optional "@extra" correlation id, mirroring the messaging client's own API.
package protocol

import "fmt"

// Request is an object sent to the messaging service.
type Request interface {
	TypeName() string
	isRequest()
}

// Response is an object returned by the messaging service.
type Response interface {
	TypeName() string
	isResponse()
}

// FormattedText is message text.
type FormattedText struct {
	Text string `json:"text"`
}

// InputDocument is a document uploaded inline with a message.
type InputDocument struct {
	FileName string `json:"file_name"`
	MimeType string `json:"mime_type,omitempty"`
	Data     []byte `json:"data"`
}

// SendMessage posts a text or document message to a chat.
type SendMessage struct {
	ChatID   int64          `json:"chat_id"`
	Text     *FormattedText `json:"text,omitempty"`
	Document *InputDocument `json:"document,omitempty"`
}

// EditMessageText replaces the text of an existing text message.
type EditMessageText struct {
	ChatID    int64         `json:"chat_id"`
	MessageID int64         `json:"message_id"`
	Text      FormattedText `json:"text"`
}

// SearchChatMessages finds messages containing Query, newest first.
type SearchChatMessages struct {
	ChatID        int64  `json:"chat_id"`
	Query         string `json:"query"`
	FromMessageID int64  `json:"from_message_id"`
	Limit         int    `json:"limit"`
}

// GetChatHistory returns messages older than FromMessageID (0 = newest).
type GetChatHistory struct {
	ChatID        int64 `json:"chat_id"`
	FromMessageID int64 `json:"from_message_id"`
	Offset        int   `json:"offset"`
	Limit         int   `json:"limit"`
}

// GetMessage fetches one message.
type GetMessage struct {
	ChatID    int64 `json:"chat_id"`
	MessageID int64 `json:"message_id"`
}

// DeleteMessages removes messages from a chat.
type DeleteMessages struct {
	ChatID     int64   `json:"chat_id"`
	MessageIDs []int64 `json:"message_ids"`
	Revoke     bool    `json:"revoke"`
}

// GetFile returns the current download state of a file.
type GetFile struct {
	FileID int32 `json:"file_id"`
}

// DownloadFile starts (or continues) downloading a file from Offset.
type DownloadFile struct {
	FileID      int32 `json:"file_id"`
	Priority    int   `json:"priority"`
	Offset      int64 `json:"offset"`
	Limit       int64 `json:"limit"`
	Synchronous bool  `json:"synchronous"`
}

// CancelDownloadFile stops an in-flight download.
type CancelDownloadFile struct {
	FileID        int32 `json:"file_id"`
	OnlyIfPending bool  `json:"only_if_pending"`
}

// ReadFilePart reads Count bytes at Offset of a downloaded file.
type ReadFilePart struct {
	FileID int32 `json:"file_id"`
	Offset int64 `json:"offset"`
	Count  int64 `json:"count"`
}

func (SendMessage) TypeName() string        { return "sendMessage" }
func (EditMessageText) TypeName() string    { return "editMessageText" }
func (SearchChatMessages) TypeName() string { return "searchChatMessages" }
func (GetChatHistory) TypeName() string     { return "getChatHistory" }
func (GetMessage) TypeName() string         { return "getMessage" }
func (DeleteMessages) TypeName() string     { return "deleteMessages" }
func (GetFile) TypeName() string            { return "getFile" }
func (DownloadFile) TypeName() string       { return "downloadFile" }
func (CancelDownloadFile) TypeName() string { return "cancelDownloadFile" }
func (ReadFilePart) TypeName() string       { return "readFilePart" }

func (SendMessage) isRequest()        {}
func (EditMessageText) isRequest()    {}
func (SearchChatMessages) isRequest() {}
func (GetChatHistory) isRequest()     {}
func (GetMessage) isRequest()         {}
func (DeleteMessages) isRequest()     {}
func (GetFile) isRequest()            {}
func (DownloadFile) isRequest()       {}
func (CancelDownloadFile) isRequest() {}
func (ReadFilePart) isRequest()       {}

// Content types of a Message.
const (
	ContentText     = "messageText"
	ContentDocument = "messageDocument"
)

// MessageContent is the body of a message.
type MessageContent struct {
	Type     string         `json:"@type"`
	Text     *FormattedText `json:"text,omitempty"`
	Document *Document      `json:"document,omitempty"`
}

// Document describes a file attached to a message.
type Document struct {
	FileName string `json:"file_name"`
	MimeType string `json:"mime_type"`
	File     File   `json:"document"`
}

// Message is a chat message.
type Message struct {
	ID      int64          `json:"id"`
	ChatID  int64          `json:"chat_id"`
	Date    int64          `json:"date"`
	Content MessageContent `json:"content"`
}

// PlainText returns the message text, or "" for non-text messages.
func (m *Message) PlainText() string {
	if m == nil || m.Content.Text == nil {
		return ""
	}
	return m.Content.Text.Text
}

// Messages is a page of chat messages.
type Messages struct {
	TotalCount int        `json:"total_count"`
	Messages   []*Message `json:"messages"`
}

// FoundChatMessages is a page of search results.
type FoundChatMessages struct {
	TotalCount        int        `json:"total_count"`
	Messages          []*Message `json:"messages"`
	NextFromMessageID int64      `json:"next_from_message_id"`
}

// LocalFile is the local download state of a file.
type LocalFile struct {
	Path                   string `json:"path"`
	CanBeDownloaded        bool   `json:"can_be_downloaded"`
	IsDownloadingActive    bool   `json:"is_downloading_active"`
	IsDownloadingCompleted bool   `json:"is_downloading_completed"`
	DownloadOffset         int64  `json:"download_offset"`
	DownloadedPrefixSize   int64  `json:"downloaded_prefix_size"`
	DownloadedSize         int64  `json:"downloaded_size"`
}

// RemoteFile is the remote state of a file.
type RemoteFile struct {
	ID                   string `json:"id"`
	UniqueID             string `json:"unique_id"`
	IsUploadingCompleted bool   `json:"is_uploading_completed"`
	UploadedSize         int64  `json:"uploaded_size"`
}

// File is a file known to the messaging service.
type File struct {
	ID           int32      `json:"id"`
	Size         int64      `json:"size"`
	ExpectedSize int64      `json:"expected_size"`
	Local        LocalFile  `json:"local"`
	Remote       RemoteFile `json:"remote"`
}

// FilePart is a slice of file content returned by ReadFilePart.
type FilePart struct {
	Data ChunkPayload `json:"data"`
}

// Ok is an empty success response.
type Ok struct{}

// Error is a failure reported by the messaging service.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("remote error %d: %s", e.Code, e.Message)
}

// Temporary reports whether the request may succeed if repeated:
// rate limiting and server-side failures.
func (e *Error) Temporary() bool {
	return e.Code == 429 || e.Code >= 500 || e.Code == 0
}

func (Message) TypeName() string           { return "message" }
func (Messages) TypeName() string          { return "messages" }
func (FoundChatMessages) TypeName() string { return "foundChatMessages" }
func (File) TypeName() string              { return "file" }
func (FilePart) TypeName() string          { return "filePart" }
func (Ok) TypeName() string                { return "ok" }
func (Error) TypeName() string             { return "error" }

func (Message) isResponse()           {}
func (Messages) isResponse()          {}
func (FoundChatMessages) isResponse() {}
func (File) isResponse()              {}
func (FilePart) isResponse()          {}
func (Ok) isResponse()                {}
func (Error) isResponse()             {}
