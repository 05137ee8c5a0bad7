package wsapi

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/e2b-dev/collab-core/internal/crdt"
	"github.com/e2b-dev/collab-core/internal/domain"
	"github.com/e2b-dev/collab-core/internal/logger"
	"github.com/e2b-dev/collab-core/internal/presence"
	"github.com/e2b-dev/collab-core/internal/store"
)

// Deps bundles the collaborators a connection's event dispatch needs.
type Deps struct {
	Rooms    *store.RoomStore
	Sessions sessionManager
	Presence *presence.Tracker
	Hub      *Hub
}

// sessionManager is the subset of *crdt.SessionManager the WebSocket layer
// calls, narrowed the way the session manager itself narrows RoomStore.
type sessionManager interface {
	DocumentContent(ctx context.Context, roomID string) (string, error)
	StateVector(ctx context.Context, roomID string) ([]byte, error)
	EncodeUpdateSince(ctx context.Context, roomID string, peerStateVector []byte) ([]byte, error)
	ApplyClientUpdate(ctx context.Context, roomID, connID string, update []byte) error
}

type joinRoomData struct {
	RoomID    string `json:"roomId"`
	UserID    string `json:"userId"`
	UserName  string `json:"userName"`
	UserColor string `json:"userColor"`
}

type leaveRoomData struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
}

type getDocumentData struct {
	RoomID string `json:"roomId"`
}

type crdtSyncRequestData struct {
	RoomID string `json:"roomId"`
}

type crdtSyncStep1Data struct {
	RoomID      string  `json:"roomId"`
	StateVector byteSeq `json:"stateVector"`
}

type crdtUpdateData struct {
	RoomID string  `json:"roomId"`
	Update byteSeq `json:"update"`
	Origin string  `json:"origin"`
}

type cursorUpdateData struct {
	RoomID string        `json:"roomId"`
	Cursor domain.Cursor `json:"cursor"`
}

type presenceUpdateData struct {
	RoomID   string `json:"roomId"`
	Presence bool   `json:"presence"`
}

// dispatch routes one inbound envelope to its handler (spec §6.2).
func dispatch(ctx context.Context, deps Deps, c *Client, env envelope) {
	switch env.Event {
	case "join-room":
		handleJoinRoom(ctx, deps, c, env.Data)
	case "leave-room":
		handleLeaveRoom(ctx, deps, c, env.Data)
	case "get-document":
		handleGetDocument(ctx, deps, c, env.Data)
	case "crdt-sync-request":
		handleCRDTSyncRequest(ctx, deps, c, env.Data)
	case "crdt-sync-step1":
		handleCRDTSyncStep1(ctx, deps, c, env.Data)
	case "crdt-update":
		handleCRDTUpdate(ctx, deps, c, env.Data)
	case "cursor-update":
		handleCursorUpdate(ctx, deps, c, env.Data)
	case "presence-update":
		handlePresenceUpdate(ctx, deps, c, env.Data)
	case "ping":
		c.sendEvent("pong", struct{}{})
	default:
		c.sendEvent("error", errMsg("unknown event: "+env.Event))
	}
}

func handleJoinRoom(ctx context.Context, deps Deps, c *Client, raw json.RawMessage) {
	var d joinRoomData
	if err := json.Unmarshal(raw, &d); err != nil || d.RoomID == "" || d.UserID == "" {
		c.sendEvent("error", errMsg("join-room requires roomId and userId"))
		return
	}

	participant, err := deps.Rooms.MarkActive(ctx, d.RoomID, d.UserID)
	if err != nil {
		c.sendEvent("error", errMsg(err.Error()))
		return
	}
	if err := deps.Rooms.IncrementParticipantCount(ctx, d.RoomID); err != nil {
		logger.L().Warn(ctx, "wsapi: incrementing participant count failed")
	}

	c.setSession(d.RoomID, d.UserID)
	deps.Hub.add(d.RoomID, c)

	color := participant.Color
	deps.Presence.Join(d.RoomID, d.UserID, color)

	c.sendEvent("room-joined", struct {
		RoomID   string            `json:"roomId"`
		UserID   string            `json:"userId"`
		SocketID string            `json:"socketId"`
		Presence []presence.Record `json:"presence"`
	}{RoomID: d.RoomID, UserID: d.UserID, SocketID: c.connID, Presence: deps.Presence.Snapshot(d.RoomID)})

	deps.Hub.each(d.RoomID, func(other *Client) {
		if other.connID == c.connID {
			return
		}
		other.sendEvent("user-joined", struct {
			RoomID string `json:"roomId"`
			UserID string `json:"userId"`
			Color  string `json:"color"`
		}{RoomID: d.RoomID, UserID: d.UserID, Color: color})
	})
}

func handleLeaveRoom(ctx context.Context, deps Deps, c *Client, raw json.RawMessage) {
	var d leaveRoomData
	if err := json.Unmarshal(raw, &d); err != nil || d.RoomID == "" || d.UserID == "" {
		c.sendEvent("error", errMsg("leave-room requires roomId and userId"))
		return
	}

	leaveRoom(ctx, deps, c, d.RoomID, d.UserID)
}

func leaveRoom(ctx context.Context, deps Deps, c *Client, roomID, userID string) {
	if err := deps.Rooms.MarkInactive(ctx, roomID, userID); err != nil {
		logger.L().Warn(ctx, "wsapi: marking participant inactive failed")
	}
	if err := deps.Rooms.DecrementParticipantCount(ctx, roomID); err != nil {
		logger.L().Warn(ctx, "wsapi: decrementing participant count failed")
	}
	deps.Presence.Leave(roomID, userID)
	deps.Hub.remove(roomID, c.connID)

	deps.Hub.each(roomID, func(other *Client) {
		other.sendEvent("user-left", struct {
			RoomID string `json:"roomId"`
			UserID string `json:"userId"`
		}{RoomID: roomID, UserID: userID})
	})
}

func handleGetDocument(ctx context.Context, deps Deps, c *Client, raw json.RawMessage) {
	var d getDocumentData
	if err := json.Unmarshal(raw, &d); err != nil || d.RoomID == "" {
		c.sendEvent("error", errMsg("get-document requires roomId"))
		return
	}

	content, err := deps.Sessions.DocumentContent(ctx, d.RoomID)
	if err != nil {
		c.sendEvent("server-error", errMsg(err.Error()))
		return
	}

	c.sendEvent("document-content", struct {
		RoomID  string `json:"roomId"`
		Content string `json:"content"`
	}{RoomID: d.RoomID, Content: content})
}

func handleCRDTSyncRequest(ctx context.Context, deps Deps, c *Client, raw json.RawMessage) {
	var d crdtSyncRequestData
	if err := json.Unmarshal(raw, &d); err != nil || d.RoomID == "" {
		c.sendEvent("crdt-error", crdtErrorMsg{Message: "crdt-sync-request requires roomId", Code: "SYNC_REQUEST_ERROR"})
		return
	}

	sv, err := deps.Sessions.StateVector(ctx, d.RoomID)
	if err != nil {
		c.sendEvent("crdt-error", crdtErrorMsg{Message: err.Error(), Code: "SYNC_REQUEST_ERROR"})
		return
	}
	update, err := deps.Sessions.EncodeUpdateSince(ctx, d.RoomID, nil)
	if err != nil {
		c.sendEvent("crdt-error", crdtErrorMsg{Message: err.Error(), Code: "SYNC_REQUEST_ERROR"})
		return
	}

	c.sendEvent("crdt-sync-response", struct {
		RoomID      string  `json:"roomId"`
		StateVector byteSeq `json:"stateVector"`
		Update      byteSeq `json:"update"`
	}{RoomID: d.RoomID, StateVector: sv, Update: update})
}

func handleCRDTSyncStep1(ctx context.Context, deps Deps, c *Client, raw json.RawMessage) {
	var d crdtSyncStep1Data
	if err := json.Unmarshal(raw, &d); err != nil || d.RoomID == "" {
		c.sendEvent("crdt-error", crdtErrorMsg{Message: "crdt-sync-step1 requires roomId", Code: "SYNC_STEP1_ERROR"})
		return
	}

	update, err := deps.Sessions.EncodeUpdateSince(ctx, d.RoomID, d.StateVector)
	if err != nil {
		c.sendEvent("crdt-error", crdtErrorMsg{Message: err.Error(), Code: "SYNC_STEP1_ERROR"})
		return
	}

	c.sendEvent("crdt-sync-step2", struct {
		RoomID string  `json:"roomId"`
		Update byteSeq `json:"update"`
	}{RoomID: d.RoomID, Update: update})
}

func handleCRDTUpdate(ctx context.Context, deps Deps, c *Client, raw json.RawMessage) {
	var d crdtUpdateData
	if err := json.Unmarshal(raw, &d); err != nil || d.RoomID == "" {
		c.sendEvent("crdt-error", crdtErrorMsg{Message: "crdt-update requires roomId and update", Code: "INVALID_UPDATE"})
		return
	}

	if err := deps.Sessions.ApplyClientUpdate(ctx, d.RoomID, c.connID, d.Update); err != nil {
		switch {
		case errors.Is(err, crdt.ErrUnknownParent):
			// resolveConflict already notified the connection via crdt-error
			// CONFLICT_RESOLUTION_FAILED.
		case errors.Is(err, crdt.ErrMalformedUpdate):
			c.sendEvent("crdt-error", crdtErrorMsg{Message: err.Error(), Code: "INVALID_UPDATE"})
		default:
			c.sendEvent("crdt-error", crdtErrorMsg{Message: err.Error(), Code: "UPDATE_ERROR"})
		}
	}
}

func handleCursorUpdate(ctx context.Context, deps Deps, c *Client, raw json.RawMessage) {
	var d cursorUpdateData
	if err := json.Unmarshal(raw, &d); err != nil || d.RoomID == "" {
		c.sendEvent("error", errMsg("cursor-update requires roomId and cursor"))
		return
	}

	_, userID := c.session()
	if !d.Cursor.Valid() {
		c.sendEvent("error", errMsg("cursor must have lineNumber>=1 and column>=0"))
		return
	}

	deps.Presence.UpdateCursor(d.RoomID, userID, d.Cursor)
	if err := deps.Rooms.UpdateCursor(ctx, d.RoomID, userID, d.Cursor); err != nil {
		logger.L().Warn(ctx, "wsapi: persisting cursor failed")
	}

	deps.Hub.each(d.RoomID, func(other *Client) {
		if other.connID == c.connID {
			return
		}
		other.sendEvent("cursor-update", struct {
			RoomID string        `json:"roomId"`
			UserID string        `json:"userId"`
			Cursor domain.Cursor `json:"cursor"`
		}{RoomID: d.RoomID, UserID: userID, Cursor: d.Cursor})
	})
}

func handlePresenceUpdate(ctx context.Context, deps Deps, c *Client, raw json.RawMessage) {
	var d presenceUpdateData
	if err := json.Unmarshal(raw, &d); err != nil || d.RoomID == "" {
		c.sendEvent("error", errMsg("presence-update requires roomId and presence"))
		return
	}

	_, userID := c.session()
	deps.Presence.UpdatePresence(d.RoomID, userID, d.Presence)
	if err := deps.Rooms.UpdatePresence(ctx, d.RoomID, userID, d.Presence); err != nil {
		logger.L().Warn(ctx, "wsapi: persisting presence failed")
	}

	deps.Hub.each(d.RoomID, func(other *Client) {
		if other.connID == c.connID {
			return
		}
		other.sendEvent("presence-update", struct {
			RoomID   string `json:"roomId"`
			UserID   string `json:"userId"`
			Presence bool   `json:"presence"`
		}{RoomID: d.RoomID, UserID: userID, Presence: d.Presence})
	})
}

func errMsg(message string) interface{} {
	return struct {
		Message string `json:"message"`
	}{Message: message}
}
