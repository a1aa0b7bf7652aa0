// Package protocol defines the JSON messages exchanged between a docbind
// websocket server and the wsstore client. Every request carries a
// client-generated ID; replies and subscription pushes echo it back so the
// client can correlate them.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/zoravur/docbind/pkg/store"
)

// Client to server.
const (
	TypeGet       = "GET"
	TypeGetAll    = "GET_ALL"
	TypeWatchDoc  = "WATCH_DOC"
	TypeWatchColl = "WATCH_COLLECTION"
	TypeUnwatch   = "UNWATCH"
	TypePing      = "PING"
)

// Server to client.
const (
	TypeResult    = "RESULT"     // reply to GET
	TypeResultSet = "RESULT_SET" // reply to GET_ALL
	TypeSnapshot  = "SNAPSHOT"   // document subscription push
	TypeChanges   = "CHANGES"    // collection subscription push
	TypeError     = "ERROR"
	TypePong      = "PONG"
)

// Envelope is the single message shape used in both directions. Fields not
// relevant to a given Type stay zero and are omitted from the encoding.
type Envelope struct {
	Type       string   `json:"type"`
	ID         string   `json:"id,omitempty"`
	Path       string   `json:"path,omitempty"`
	Collection string   `json:"collection,omitempty"`
	Doc        *Doc     `json:"doc,omitempty"`
	Docs       []Doc    `json:"docs,omitempty"`
	Changes    []Change `json:"changes,omitempty"`
	Error      string   `json:"error,omitempty"`
}

// Doc is the wire form of one document state. Reference fields inside Data
// are encoded reference objects, never live handles.
type Doc struct {
	Path   string         `json:"path"`
	Exists bool           `json:"exists"`
	Data   map[string]any `json:"data,omitempty"`
}

// Change is the wire form of one collection diff operation.
type Change struct {
	Kind     string `json:"kind"`
	OldIndex int    `json:"oldIndex"`
	NewIndex int    `json:"newIndex"`
	Doc      Doc    `json:"doc"`
}

func Decode(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return env, fmt.Errorf("protocol: decode message: %w", err)
	}
	return env, nil
}

// EncodeDoc converts an adapter-level document into its wire form, demoting
// any materialized DocumentRef values back to encoded reference objects.
func EncodeDoc(d store.Document) Doc {
	wd := Doc{Exists: d.Exists}
	if d.Ref != nil {
		wd.Path = d.Ref.Path()
	}
	if d.Data != nil {
		wd.Data = encodeValue(d.Data).(map[string]any)
	}
	return wd
}

// EncodeChange converts one diff operation into its wire form.
func EncodeChange(c store.Change) Change {
	return Change{
		Kind:     c.Kind.String(),
		OldIndex: c.OldIndex,
		NewIndex: c.NewIndex,
		Doc:      EncodeDoc(c.Doc),
	}
}

// ParseKind is the inverse of store.ChangeKind.String.
func ParseKind(s string) (store.ChangeKind, error) {
	switch s {
	case "added":
		return store.ChangeAdded, nil
	case "modified":
		return store.ChangeModified, nil
	case "removed":
		return store.ChangeRemoved, nil
	}
	return 0, fmt.Errorf("protocol: unknown change kind %q", s)
}

func encodeValue(v any) any {
	switch t := v.(type) {
	case store.DocumentRef:
		return store.EncodeRef(t.Path())
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = encodeValue(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = encodeValue(e)
		}
		return out
	default:
		return v
	}
}
