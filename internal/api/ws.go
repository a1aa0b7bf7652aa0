package api

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/zoravur/docbind/internal/protocol"
	"github.com/zoravur/docbind/pkg/store"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Backend is the read side of a document store the server exposes.
// Both memstore.Store and pgstore.Store satisfy it.
type Backend interface {
	Doc(path string) store.DocumentRef
	Collection(name string) store.CollectionQuery
}

// WSHandler serves the document protocol over a websocket. Subscriptions
// are per connection; everything a client watched is cancelled when the
// connection drops.
type WSHandler struct {
	Backend Backend
	Log     *zap.Logger
}

func (h *WSHandler) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		L(r.Context()).Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	log := h.Log.With(zap.String("remote", conn.RemoteAddr().String()))
	log.Info("websocket connected")

	// Subscription callbacks fire from store goroutines, so every write
	// to the connection goes through one mutex.
	var writeMu sync.Mutex
	send := func(env protocol.Envelope) {
		writeMu.Lock()
		defer writeMu.Unlock()
		if err := conn.WriteJSON(env); err != nil {
			log.Debug("write failed", zap.String("type", env.Type), zap.Error(err))
		}
	}
	sendErr := func(id, msg string) {
		send(protocol.Envelope{Type: protocol.TypeError, ID: id, Error: msg})
	}

	cancels := map[string]store.CancelFunc{}
	defer func() {
		for _, cancel := range cancels {
			cancel()
		}
		log.Info("websocket disconnected", zap.Int("open_watches", len(cancels)))
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			log.Debug("read loop ended", zap.Error(err))
			return
		}

		env, err := protocol.Decode(raw)
		if err != nil {
			sendErr("", "invalid JSON")
			continue
		}

		switch env.Type {
		case protocol.TypePing:
			send(protocol.Envelope{Type: protocol.TypePong, ID: env.ID})

		case protocol.TypeGet:
			doc, err := h.Backend.Doc(env.Path).Get(r.Context())
			if err != nil {
				sendErr(env.ID, err.Error())
				continue
			}
			wd := protocol.EncodeDoc(doc)
			send(protocol.Envelope{Type: protocol.TypeResult, ID: env.ID, Doc: &wd})

		case protocol.TypeGetAll:
			docs, err := h.Backend.Collection(env.Collection).GetAll(r.Context())
			if err != nil {
				sendErr(env.ID, err.Error())
				continue
			}
			wds := make([]protocol.Doc, len(docs))
			for i, d := range docs {
				wds[i] = protocol.EncodeDoc(d)
			}
			send(protocol.Envelope{Type: protocol.TypeResultSet, ID: env.ID, Docs: wds})

		case protocol.TypeWatchDoc:
			if _, dup := cancels[env.ID]; dup {
				sendErr(env.ID, "watch id already in use")
				continue
			}
			id := env.ID
			cancel, err := h.Backend.Doc(env.Path).Listen(func(d store.Document) {
				wd := protocol.EncodeDoc(d)
				send(protocol.Envelope{Type: protocol.TypeSnapshot, ID: id, Doc: &wd})
			})
			if err != nil {
				sendErr(env.ID, err.Error())
				continue
			}
			cancels[id] = cancel

		case protocol.TypeWatchColl:
			if _, dup := cancels[env.ID]; dup {
				sendErr(env.ID, "watch id already in use")
				continue
			}
			id := env.ID
			cancel, err := h.Backend.Collection(env.Collection).Listen(func(changes []store.Change) {
				wcs := make([]protocol.Change, len(changes))
				for i, c := range changes {
					wcs[i] = protocol.EncodeChange(c)
				}
				send(protocol.Envelope{Type: protocol.TypeChanges, ID: id, Changes: wcs})
			})
			if err != nil {
				sendErr(env.ID, err.Error())
				continue
			}
			cancels[id] = cancel

		case protocol.TypeUnwatch:
			if cancel, ok := cancels[env.ID]; ok {
				cancel()
				delete(cancels, env.ID)
			}

		default:
			sendErr(env.ID, "unknown message type")
		}
	}
}
