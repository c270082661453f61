package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"gwi.com/artifact-chat/internal/artifact"
	"gwi.com/artifact-chat/internal/core"
)

const (
	documentWSWriteWait = 10 * time.Second
	documentWSPongWait  = 60 * time.Second
	documentWSPingEvery = (documentWSPongWait * 9) / 10
)

var documentWSUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

type documentWSInbound struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
}

type documentWSOutbound struct {
	Type    string         `json:"type"`
	View    *artifact.View `json:"view,omitempty"`
	Code    int            `json:"code,omitempty"`
	Message string         `json:"message,omitempty"`
}

// DocumentWSHandler serves the live view of one document. The current view
// is pushed on connect and after every change; inbound messages edit,
// navigate or close the document.
func (h *APIHandler) DocumentWSHandler(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	documentID := strings.TrimSpace(r.URL.Query().Get("id"))
	// Watch before the first view so no change falls between them. Release
	// runs after stop.
	defer h.docs.Release(documentID)
	changes, stop := h.docs.Watch(documentID)
	defer stop()
	initial, err := h.docs.View(r.Context(), uid, documentID)
	if err != nil {
		writeError(w, err)
		return
	}

	conn, err := documentWSUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	logger := log.WithFields(log.Fields{"document": documentID, "user": uid})

	if err := conn.SetReadDeadline(time.Now().Add(documentWSPongWait)); err != nil {
		logger.WithError(err).Warn("document ws set read deadline failed")
		return
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(documentWSPongWait))
	})

	writeCh := make(chan documentWSOutbound, 32)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		ticker := time.NewTicker(documentWSPingEvery)
		defer ticker.Stop()

		write := func(out documentWSOutbound) bool {
			if err := conn.SetWriteDeadline(time.Now().Add(documentWSWriteWait)); err != nil {
				return false
			}
			return conn.WriteJSON(out) == nil
		}
		for {
			select {
			case <-ctx.Done():
				// Deliver what was queued before the handler gave up.
				for {
					select {
					case out := <-writeCh:
						if !write(out) {
							return
						}
					default:
						return
					}
				}
			case out := <-writeCh:
				if !write(out) {
					return
				}
			case <-ticker.C:
				if err := conn.SetWriteDeadline(time.Now().Add(documentWSWriteWait)); err != nil {
					return
				}
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	pushView := func(view artifact.View) {
		pushDocumentWS(ctx, writeCh, documentWSOutbound{Type: "view", View: &view})
	}
	pushErr := func(err error) {
		pushDocumentWS(ctx, writeCh, documentWSOutbound{Type: "error", Code: statusFor(err), Message: err.Error()})
	}
	pushView(initial)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-changes:
				view, err := h.docs.View(ctx, uid, documentID)
				if err != nil {
					if ctx.Err() == nil {
						pushErr(err)
					}
					continue
				}
				pushView(view)
			}
		}
	}()

	for {
		var in documentWSInbound
		if err := conn.ReadJSON(&in); err != nil {
			cancel()
			<-writerDone
			return
		}

		op := strings.ToLower(strings.TrimSpace(in.Type))
		switch {
		case op == "edit":
			// The change notification pushes the new view.
			if _, err := h.docs.Edit(ctx, uid, documentID, in.Content); err != nil {
				pushErr(err)
			}
		case op == "close":
			if err := h.docs.Close(ctx, uid, documentID); err != nil {
				pushErr(err)
				continue
			}
			pushDocumentWS(ctx, writeCh, documentWSOutbound{Type: "closed"})
			cancel()
			<-writerDone
			return
		case isNavigation(op):
			view, err := h.docs.Navigate(ctx, uid, documentID, op)
			if err != nil {
				pushErr(err)
				continue
			}
			pushView(view)
		case op == "":
			pushErr(errors.Wrap(core.ErrBadRequest, "type is required"))
		default:
			logger.WithField("type", op).Debug("unknown document ws message")
			pushErr(errors.Wrapf(core.ErrBadRequest, "unknown message type %q", op))
		}
	}
}

// pushDocumentWS queues out for the writer, dropping the oldest queued
// message when the client is not keeping up.
func pushDocumentWS(ctx context.Context, writeCh chan documentWSOutbound, out documentWSOutbound) {
	for {
		select {
		case writeCh <- out:
			return
		case <-ctx.Done():
			return
		default:
		}
		select {
		case <-writeCh:
		default:
		}
	}
}
