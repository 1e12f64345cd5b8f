package server

import (
	"fmt"

	"github.com/codebox-cloud/codebox/internal/files"
)

// Inbound event types
const (
	EventHeartbeat      = "heartbeat"
	EventGetFile        = "getFile"
	EventGetFolder      = "getFolder"
	EventSaveFile       = "saveFile"
	EventMoveFile       = "moveFile"
	EventCreateFile     = "createFile"
	EventCreateFolder   = "createFolder"
	EventRenameFile     = "renameFile"
	EventDeleteFile     = "deleteFile"
	EventDeleteFolder   = "deleteFolder"
	EventCreateTerminal = "createTerminal"
	EventResizeTerminal = "resizeTerminal"
	EventTerminalData   = "terminalData"
	EventCloseTerminal  = "closeTerminal"
	EventDeploy         = "deploy"
	EventList           = "list"
	EventGenerateCode   = "generateCode"
)

// Outbound message types
const (
	MessageTypeLoaded           = "loaded"
	MessageTypeResult           = "result"
	MessageTypeError            = "error"
	MessageTypeRateLimit        = "rateLimit"
	MessageTypeDisableAccess    = "disableAccess"
	MessageTypeTerminalResponse = "terminalResponse"
)

// Event is one inbound protocol event. All events share the tagged
// envelope; per-type required fields are checked in Validate before
// dispatch so handlers never see a half-formed payload.
type Event struct {
	Type string `json:"type"`
	Ref  int64  `json:"ref,omitempty"`

	FileID   string `json:"fileId,omitempty"`
	FolderID string `json:"folderId,omitempty"`
	Name     string `json:"name,omitempty"`
	NewName  string `json:"newName,omitempty"`
	Body     string `json:"body,omitempty"`

	TerminalID string `json:"id,omitempty"`
	Cols       uint16 `json:"cols,omitempty"`
	Rows       uint16 `json:"rows,omitempty"`
	Data       string `json:"data,omitempty"`

	FileName     string `json:"fileName,omitempty"`
	Code         string `json:"code,omitempty"`
	Line         int    `json:"line,omitempty"`
	Instructions string `json:"instructions,omitempty"`
}

// Validate checks the per-type required fields.
func (e *Event) Validate() error {
	switch e.Type {
	case EventHeartbeat, EventDeploy, EventList:
		return nil
	case EventGetFile, EventSaveFile, EventDeleteFile:
		return requireFields(e.Type, field{"fileId", e.FileID})
	case EventGetFolder, EventDeleteFolder:
		return requireFields(e.Type, field{"folderId", e.FolderID})
	case EventMoveFile:
		return requireFields(e.Type, field{"fileId", e.FileID}, field{"folderId", e.FolderID})
	case EventCreateFile, EventCreateFolder:
		return requireFields(e.Type, field{"name", e.Name})
	case EventRenameFile:
		return requireFields(e.Type, field{"fileId", e.FileID}, field{"newName", e.NewName})
	case EventCreateTerminal, EventCloseTerminal:
		return requireFields(e.Type, field{"id", e.TerminalID})
	case EventTerminalData:
		return requireFields(e.Type, field{"id", e.TerminalID})
	case EventResizeTerminal:
		if e.Cols == 0 || e.Rows == 0 {
			return fmt.Errorf("%s requires cols and rows", e.Type)
		}
		return nil
	case EventGenerateCode:
		return requireFields(e.Type,
			field{"fileName", e.FileName},
			field{"instructions", e.Instructions})
	case "":
		return fmt.Errorf("event type missing")
	default:
		return fmt.Errorf("unknown event type %q", e.Type)
	}
}

type field struct {
	name  string
	value string
}

func requireFields(eventType string, fields ...field) error {
	for _, f := range fields {
		if f.value == "" {
			return fmt.Errorf("%s requires %s", eventType, f.name)
		}
	}
	return nil
}

// Message is one outbound protocol message.
type Message struct {
	Type string `json:"type"`
	Ref  int64  `json:"ref,omitempty"`

	Message string        `json:"message,omitempty"`
	Tree    []*files.Node `json:"tree,omitempty"`
	Content string        `json:"content,omitempty"`
	Files   []string      `json:"files,omitempty"`

	Success  *bool  `json:"success,omitempty"`
	Apps     string `json:"apps,omitempty"`
	Response string `json:"response,omitempty"`

	ID   string `json:"id,omitempty"`
	Data string `json:"data,omitempty"`
}

func boolPtr(b bool) *bool { return &b }

func newLoaded(tree []*files.Node) *Message {
	return &Message{Type: MessageTypeLoaded, Tree: tree}
}

func newError(ref int64, message string) *Message {
	return &Message{Type: MessageTypeError, Ref: ref, Message: message}
}

func newRateLimit(ref int64, message string) *Message {
	return &Message{Type: MessageTypeRateLimit, Ref: ref, Message: message}
}

func newDisableAccess(message string) *Message {
	return &Message{Type: MessageTypeDisableAccess, Message: message}
}

func newTerminalResponse(id string, data []byte) *Message {
	return &Message{Type: MessageTypeTerminalResponse, ID: id, Data: string(data)}
}

func newResult(ref int64) *Message {
	return &Message{Type: MessageTypeResult, Ref: ref, Success: boolPtr(true)}
}
