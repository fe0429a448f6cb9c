package ephemeral

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/putto11262002/ephemeral/core"
	"github.com/putto11262002/ephemeral/pkg/router"
)

// HistoryService is the part of the history reader the HTTP layer depends on.
type HistoryService interface {
	GetMessages(ctx context.Context, q core.HistoryQuery) (core.HistoryPage, error)
}

type ChatHandler struct {
	history HistoryService
	members core.MembershipStore
}

func NewChatHandler(history HistoryService, members core.MembershipStore) *ChatHandler {
	return &ChatHandler{history: history, members: members}
}

type GetMessagesResponse struct {
	Success    bool                 `json:"success"`
	Count      int                  `json:"count"`
	Messages   []core.MessageRecord `json:"messages"`
	NextCursor *int64               `json:"nextCursor"`
	HasMore    bool                 `json:"hasMore"`
}

// GetRoomMessagesHandler serves GET /rooms/{roomID}/messages?cursor=&direction=&limit=.
func (h *ChatHandler) GetRoomMessagesHandler(w http.ResponseWriter, r *http.Request) error {
	id := core.IdentityFromRequest(r)
	roomID := chi.URLParam(r, "roomID")

	q, err := parseHistoryQuery(roomID, r)
	if err != nil {
		return err
	}

	isMember, err := h.members.IsRoomMember(r.Context(), id.UserID, roomID)
	if err != nil {
		return err
	}
	if !isMember {
		return core.ErrNotRoomMember
	}

	page, err := h.history.GetMessages(r.Context(), q)
	if err != nil {
		return err
	}

	return router.JSON(w, http.StatusOK, GetMessagesResponse{
		Success:    true,
		Count:      len(page.Messages),
		Messages:   page.Messages,
		NextCursor: page.NextCursor,
		HasMore:    page.HasMore,
	})
}

func parseHistoryQuery(roomID string, r *http.Request) (core.HistoryQuery, error) {
	values := r.URL.Query()
	q := core.HistoryQuery{RoomID: roomID}

	direction, err := core.ParseDirection(values.Get("direction"))
	if err != nil {
		return q, err
	}
	q.Direction = direction

	if s := values.Get("cursor"); s != "" {
		cursor, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return q, fmt.Errorf("%w: cursor must be an epoch millisecond timestamp", core.ErrValidation)
		}
		q.Cursor = &cursor
	}

	if s := values.Get("limit"); s != "" {
		limit, err := strconv.Atoi(s)
		if err != nil || limit <= 0 {
			return q, fmt.Errorf("%w: limit must be a positive integer", core.ErrValidation)
		}
		q.Limit = limit
	}

	return q, q.Validate()
}
