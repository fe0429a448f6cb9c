package ephemeral

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/putto11262002/ephemeral/core"
)

func decodePayload(e *core.Event, v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("%w: %s payload: %v", core.ErrValidation, e.Type, err)
	}
	return nil
}

func (app *App) JoinRoomHandler(ctx context.Context, e *core.Event) error {
	var payload core.JoinRoomPayload
	if err := decodePayload(e, &payload); err != nil {
		return err
	}
	roomID := strings.TrimSpace(payload.RoomID)
	if roomID == "" {
		return fmt.Errorf("%w: roomId is required", core.ErrValidation)
	}

	isMember, err := app.store.IsRoomMember(ctx, e.Sender.UserID, roomID)
	if err != nil {
		return fmt.Errorf("IsRoomMember: %w", err)
	}
	if !isMember {
		return core.ErrNotRoomMember
	}

	if err := app.wsManager.Join(e.Sender.ConnID, roomID); err != nil {
		return err
	}
	return app.eventRouter.EmitToConn(core.JoinedRoomEvent, core.JoinedRoomPayload{RoomID: roomID}, e.Sender.ConnID)
}

func (app *App) LeaveRoomHandler(ctx context.Context, e *core.Event) error {
	var payload core.LeaveRoomPayload
	if err := decodePayload(e, &payload); err != nil {
		return err
	}
	roomID := strings.TrimSpace(payload.RoomID)
	app.wsManager.Leave(e.Sender.ConnID, roomID)
	return app.eventRouter.EmitToConn(core.LeftRoomEvent, core.LeftRoomPayload{RoomID: roomID}, e.Sender.ConnID)
}

func (app *App) SendMessageHandler(ctx context.Context, e *core.Event) error {
	var payload core.SendMessagePayload
	if err := decodePayload(e, &payload); err != nil {
		return err
	}

	_, err := app.ingestor.Ingest(ctx, *e.Sender, core.SendMessageInput{
		RoomID: payload.RoomID,
		Text:   payload.Text,
	})
	return err
}
