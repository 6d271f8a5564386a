package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

type header struct {
	Type  string `json:"@type"`
	Extra string `json:"@extra,omitempty"`
}

var requestTypes = map[string]func() Request{
	"sendMessage":        func() Request { return &SendMessage{} },
	"editMessageText":    func() Request { return &EditMessageText{} },
	"searchChatMessages": func() Request { return &SearchChatMessages{} },
	"getChatHistory":     func() Request { return &GetChatHistory{} },
	"getMessage":         func() Request { return &GetMessage{} },
	"deleteMessages":     func() Request { return &DeleteMessages{} },
	"getFile":            func() Request { return &GetFile{} },
	"downloadFile":       func() Request { return &DownloadFile{} },
	"cancelDownloadFile": func() Request { return &CancelDownloadFile{} },
	"readFilePart":       func() Request { return &ReadFilePart{} },
}

var responseTypes = map[string]func() Response{
	"message":           func() Response { return &Message{} },
	"messages":          func() Response { return &Messages{} },
	"foundChatMessages": func() Response { return &FoundChatMessages{} },
	"file":              func() Response { return &File{} },
	"filePart":          func() Response { return &FilePart{} },
	"ok":                func() Response { return &Ok{} },
	"error":             func() Response { return &Error{} },
}

// Marshal encodes obj with its "@type" and the optional "@extra" id.
func Marshal(obj interface{ TypeName() string }, extra string) ([]byte, error) {
	body, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", obj.TypeName(), err)
	}
	head, err := json.Marshal(header{Type: obj.TypeName(), Extra: extra})
	if err != nil {
		return nil, err
	}
	// Splice the two objects: {head...,body...}
	body = bytes.TrimSpace(body)
	if len(body) < 2 || body[0] != '{' {
		return nil, fmt.Errorf("marshal %s: not an object", obj.TypeName())
	}
	var buf bytes.Buffer
	buf.Write(head[:len(head)-1])
	if inner := bytes.TrimSpace(body[1 : len(body)-1]); len(inner) > 0 {
		buf.WriteByte(',')
		buf.Write(inner)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalRequest decodes a request and its "@extra" id.
func UnmarshalRequest(data []byte) (Request, string, error) {
	var h header
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, "", fmt.Errorf("decode request header: %w", err)
	}
	mk, ok := requestTypes[h.Type]
	if !ok {
		return nil, h.Extra, fmt.Errorf("unknown request type %q", h.Type)
	}
	req := mk()
	if err := json.Unmarshal(data, req); err != nil {
		return nil, h.Extra, fmt.Errorf("decode %s: %w", h.Type, err)
	}
	return deref(req).(Request), h.Extra, nil
}

// UnmarshalResponse decodes a response. A remote "error" object is returned
// as the *Error response, not as the Go error.
func UnmarshalResponse(data []byte) (Response, string, error) {
	var h header
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, "", fmt.Errorf("decode response header: %w", err)
	}
	mk, ok := responseTypes[h.Type]
	if !ok {
		return nil, h.Extra, fmt.Errorf("unknown response type %q", h.Type)
	}
	resp := mk()
	if err := json.Unmarshal(data, resp); err != nil {
		return nil, h.Extra, fmt.Errorf("decode %s: %w", h.Type, err)
	}
	return resp, h.Extra, nil
}

// deref turns the decoded *Request into the value type used by callers.
func deref(req Request) any {
	switch r := req.(type) {
	case *SendMessage:
		return *r
	case *EditMessageText:
		return *r
	case *SearchChatMessages:
		return *r
	case *GetChatHistory:
		return *r
	case *GetMessage:
		return *r
	case *DeleteMessages:
		return *r
	case *GetFile:
		return *r
	case *DownloadFile:
		return *r
	case *CancelDownloadFile:
		return *r
	case *ReadFilePart:
		return *r
	}
	return req
}
