// Package protocol implements the HMR payloads exchanged between the dev server and clients.
package protocol

import (
	"encoding/json"
	"fmt"
)

// PayloadType identifies the type of an HMR payload.
type PayloadType string

const (
	// Server -> client
	TypeConnected  PayloadType = "connected"
	TypeUpdate     PayloadType = "update"
	TypeFullReload PayloadType = "full-reload"
	TypePrune      PayloadType = "prune"
	TypeError      PayloadType = "error"
	TypePing       PayloadType = "ping"

	// Both directions
	TypeCustom PayloadType = "custom"
)

// UpdateType identifies what kind of module an update record refers to.
type UpdateType string

const (
	UpdateLua  UpdateType = "lua-update"
	UpdateJSON UpdateType = "json-update"
)

// Reserved custom event names.
const (
	EventInvalidate       = "hmr:invalidate"
	EventBeforeUpdate     = "hmr:beforeUpdate"
	EventAfterUpdate      = "hmr:afterUpdate"
	EventBeforePrune      = "hmr:beforePrune"
	EventBeforeFullReload = "hmr:beforeFullReload"
	EventError            = "hmr:error"
	EventWSConnect        = "hmr:ws:connect"
	EventWSDisconnect     = "hmr:ws:disconnect"
)

// Payload is the envelope of every HMR message. Only the fields relevant to Type are set.
type Payload struct {
	Type PayloadType `json:"type"`

	// update
	Updates []Update `json:"updates,omitempty"`

	// full-reload
	Path string `json:"path,omitempty"`

	// prune
	Paths []string `json:"paths,omitempty"`

	// custom
	Event string          `json:"event,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`

	// error
	Err *ErrorInfo `json:"err,omitempty"`
}

// Update is one boundary record: the module at AcceptedPath changed and
// the change was detected while walking from Path.
type Update struct {
	Type                   UpdateType `json:"type"`
	Path                   string     `json:"path"`
	AcceptedPath           string     `json:"acceptedPath"`
	Timestamp              int64      `json:"timestamp"`
	ExplicitImportRequired bool       `json:"explicitImportRequired,omitempty"`
	IsWithinCircularImport bool       `json:"isWithinCircularImport,omitempty"`
}

// IsSelfUpdate reports whether the changed module accepts itself.
func (u Update) IsSelfUpdate() bool {
	return u.Path == u.AcceptedPath
}

// ErrorInfo describes a server-side failure (e.g. a module that failed to transform).
type ErrorInfo struct {
	Message string `json:"message"`
	Plugin  string `json:"plugin,omitempty"`
	ID      string `json:"id,omitempty"`
}

// InvalidateData is the data of an hmr:invalidate custom event.
type InvalidateData struct {
	Path    string `json:"path"`
	Message string `json:"message,omitempty"`
}

// ParsePayload parses raw JSON into a payload.
func ParsePayload(data []byte) (*Payload, error) {
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	if p.Type == "" {
		return nil, fmt.Errorf("payload has no type")
	}
	return &p, nil
}

// NewCustom creates a custom payload carrying data encoded as JSON.
func NewCustom(event string, data interface{}) (*Payload, error) {
	var raw json.RawMessage
	if data != nil {
		var err error
		raw, err = json.Marshal(data)
		if err != nil {
			return nil, err
		}
	}
	return &Payload{Type: TypeCustom, Event: event, Data: raw}, nil
}

// NewUpdate creates an update payload.
func NewUpdate(updates []Update) *Payload {
	return &Payload{Type: TypeUpdate, Updates: updates}
}

// NewFullReload creates a full-reload payload; path names the module that triggered it.
func NewFullReload(path string) *Payload {
	return &Payload{Type: TypeFullReload, Path: path}
}

// NewPrune creates a prune payload.
func NewPrune(paths []string) *Payload {
	return &Payload{Type: TypePrune, Paths: paths}
}

// NewError creates an error payload.
func NewError(err error, plugin, id string) *Payload {
	return &Payload{Type: TypeError, Err: &ErrorInfo{Message: err.Error(), Plugin: plugin, ID: id}}
}

// DecodeData unmarshals the custom data into v.
func (p *Payload) DecodeData(v interface{}) error {
	if len(p.Data) == 0 {
		return fmt.Errorf("custom event %q has no data", p.Event)
	}
	return json.Unmarshal(p.Data, v)
}

// Encode serializes a payload to JSON.
func (p *Payload) Encode() ([]byte, error) {
	return json.Marshal(p)
}
