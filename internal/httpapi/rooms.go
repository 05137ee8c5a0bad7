package httpapi

import (
	"encoding/base64"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/e2b-dev/collab-core/internal/apperr"
	"github.com/e2b-dev/collab-core/internal/domain"
)

type roomData struct {
	RoomID           string `json:"roomId"`
	RoomKey          string `json:"roomKey"`
	CreatedAt        string `json:"createdAt"`
	LastActivity     string `json:"lastActivity"`
	IsArchived       bool   `json:"isArchived"`
	ParticipantCount int    `json:"participantCount"`
	CodeSnapshot     string `json:"codeSnapshot"`
}

func toRoomData(r *domain.Room) roomData {
	return roomData{
		RoomID:           r.ID,
		RoomKey:          r.JoinKey,
		CreatedAt:        r.CreatedAt.Format("2006-01-02T15:04:05.000Z07:00"),
		LastActivity:     r.LastActivity.Format("2006-01-02T15:04:05.000Z07:00"),
		IsArchived:       r.IsArchived,
		ParticipantCount: r.ParticipantCount,
		CodeSnapshot:     r.CodeSnapshot,
	}
}

// createRoom handles POST /rooms.
func (a *api) createRoom(c *gin.Context) {
	room, err := a.Rooms.CreateRoom(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"roomKey":   room.JoinKey,
		"roomId":    room.ID,
		"createdAt": room.CreatedAt.Format("2006-01-02T15:04:05.000Z07:00"),
	})
}

type joinRoomRequest struct {
	RoomKey string `json:"roomKey"`
	UserID  string `json:"userId"`
}

// joinRoom handles POST /rooms/join.
func (a *api) joinRoom(c *gin.Context) {
	var req joinRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	if !domain.ValidJoinKey(req.RoomKey) {
		badRequest(c, "roomKey must be a 12-char uppercase-alphanumeric code")
		return
	}

	ctx := c.Request.Context()

	room, err := a.Rooms.FindByJoinKey(ctx, req.RoomKey)
	if err != nil {
		writeError(c, err)
		return
	}
	if room.IsArchived {
		writeError(c, apperr.New(apperr.KindArchived, "room is archived"))
		return
	}

	userID := req.UserID
	if userID == "" {
		userID = uuid.NewString()
	}

	if _, err := a.Rooms.MarkActive(ctx, room.ID, userID); err != nil {
		writeError(c, err)
		return
	}
	if err := a.Rooms.IncrementParticipantCount(ctx, room.ID); err != nil {
		writeError(c, err)
		return
	}

	update, err := a.Sessions.EncodeUpdateSince(ctx, room.ID, nil)
	if err != nil {
		writeError(c, err)
		return
	}

	var crdtState interface{}
	if len(update) > 0 {
		crdtState = base64.StdEncoding.EncodeToString(update)
	}

	room, err = a.Rooms.FindByID(ctx, room.ID)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"roomData":  toRoomData(room),
		"crdtState": crdtState,
		"userId":    userID,
	})
}

type leaveRoomRequest struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
}

// leaveRoom handles POST /rooms/leave.
func (a *api) leaveRoom(c *gin.Context) {
	var req leaveRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.RoomID == "" || req.UserID == "" {
		badRequest(c, "roomId and userId are required")
		return
	}

	ctx := c.Request.Context()

	if err := a.Rooms.MarkInactive(ctx, req.RoomID, req.UserID); err != nil {
		writeError(c, apperr.Wrap(apperr.KindInternal, "leaving room failed", err))
		return
	}
	if err := a.Rooms.DecrementParticipantCount(ctx, req.RoomID); err != nil {
		writeError(c, apperr.Wrap(apperr.KindInternal, "leaving room failed", err))
		return
	}
	a.Presence.Leave(req.RoomID, req.UserID)

	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// getRoom handles GET /rooms/{roomId}.
func (a *api) getRoom(c *gin.Context) {
	room, err := a.Rooms.FindByID(c.Request.Context(), c.Param("roomId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toRoomData(room))
}

type updateRoomRequest struct {
	Content   string  `json:"content"`
	CRDTState *string `json:"crdtState"`
}

// updateRoom handles PUT /rooms/{roomId}. When crdtState is supplied it is
// applied as an opaque CRDT update (the same path WebSocket crdt-update
// events use); otherwise the room's text is replaced wholesale via
// InsertLocal.
func (a *api) updateRoom(c *gin.Context) {
	roomID := c.Param("roomId")

	var req updateRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}

	ctx := c.Request.Context()

	if req.CRDTState != nil {
		raw, err := base64.StdEncoding.DecodeString(*req.CRDTState)
		if err != nil {
			badRequest(c, "crdtState must be base64-encoded")
			return
		}
		if err := a.Sessions.ApplyClientUpdate(ctx, roomID, "", raw); err != nil {
			writeError(c, apperr.Wrap(apperr.KindInternal, "applying crdt state failed", err))
			return
		}
	} else {
		if err := a.Sessions.InsertLocal(ctx, roomID, req.Content); err != nil {
			writeError(c, apperr.Wrap(apperr.KindInternal, "updating room content failed", err))
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{"ok": true})
}

type participantDTO struct {
	UserID   string         `json:"userId"`
	IsActive bool           `json:"isActive"`
	Color    string         `json:"color"`
	Cursor   *domain.Cursor `json:"cursor,omitempty"`
}

// listParticipants handles GET /rooms/{roomId}/participants.
func (a *api) listParticipants(c *gin.Context) {
	participants, err := a.Rooms.FindParticipants(c.Request.Context(), c.Param("roomId"))
	if err != nil {
		writeError(c, apperr.Wrap(apperr.KindInternal, "listing participants failed", err))
		return
	}

	out := make([]participantDTO, 0, len(participants))
	for _, p := range participants {
		out = append(out, participantDTO{UserID: p.UserID, IsActive: p.IsActive, Color: p.Color, Cursor: p.Cursor})
	}

	c.JSON(http.StatusOK, gin.H{"participants": out, "count": len(out)})
}

type updateCursorRequest struct {
	UserID         string        `json:"userId"`
	CursorPosition domain.Cursor `json:"cursorPosition"`
}

// updateCursor handles PUT /rooms/{roomId}/cursor.
func (a *api) updateCursor(c *gin.Context) {
	roomID := c.Param("roomId")

	var req updateCursorRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.UserID == "" {
		badRequest(c, "userId and cursorPosition are required")
		return
	}
	if !req.CursorPosition.Valid() {
		badRequest(c, "cursorPosition.lineNumber must be >=1 and column >=0")
		return
	}

	ctx := c.Request.Context()
	if err := a.Rooms.UpdateCursor(ctx, roomID, req.UserID, req.CursorPosition); err != nil {
		writeError(c, apperr.Wrap(apperr.KindInternal, "updating cursor failed", err))
		return
	}
	a.Presence.UpdateCursor(roomID, req.UserID, req.CursorPosition)

	c.JSON(http.StatusOK, gin.H{"ok": true})
}
