package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/leonletto/chatcore/internal/apperr"
	"github.com/leonletto/chatcore/internal/archive"
	"github.com/leonletto/chatcore/internal/chat"
	"github.com/leonletto/chatcore/internal/message"
	"github.com/leonletto/chatcore/internal/mover"
	"github.com/leonletto/chatcore/internal/store"
	"github.com/leonletto/chatcore/internal/transport"
)

type createMessageRequest struct {
	Message     string  `json:"message"`
	InReplyToID *int64  `json:"in_reply_to_id"`
	ThreadID    *int64  `json:"thread_id"`
	UploadIDs   []int64 `json:"upload_ids"`
	StagedID    string  `json:"staged_id"`
}

type createMessageResponse struct {
	Message   *chat.Message  `json:"message"`
	Thread    *chat.Thread   `json:"thread,omitempty"`
	NewThread bool           `json:"new_thread"`
	Uploads   []chat.Upload  `json:"uploads,omitempty"`
	Mentions  []chat.Mention `json:"mentions,omitempty"`
	Reach     chat.Reach     `json:"reach"`
	StagedID  string         `json:"staged_id,omitempty"`
}

type updateMessageRequest struct {
	Message   string  `json:"message"`
	UploadIDs []int64 `json:"upload_ids"`
}

type updateMessageResponse struct {
	Message     *chat.Message  `json:"message"`
	RevisionID  int64          `json:"revision_id,omitempty"`
	NewMentions []chat.Mention `json:"new_mentions,omitempty"`
	Reach       chat.Reach     `json:"reach"`
	Unchanged   bool           `json:"unchanged"`
}

type markReadRequest struct {
	MessageID int64 `json:"message_id"`
}

type moveRequest struct {
	DestinationChannelID int64   `json:"destination_channel_id"`
	MessageIDs           []int64 `json:"message_ids"`
}

type moveResponse struct {
	MessageIDs     []int64          `json:"message_ids"`
	IDMap          map[string]int64 `json:"id_map"`
	FirstMessageID int64            `json:"first_message_id"`
	PlaceholderID  int64            `json:"placeholder_id,omitempty"`
}

type archiveRequest struct {
	TopicID    *int64   `json:"topic_id"`
	TopicTitle string   `json:"topic_title"`
	CategoryID *int64   `json:"category_id"`
	Tags       []string `json:"tags"`
}

func (h *handler) createMessage(w http.ResponseWriter, r *http.Request) {
	channelID, ok := pathID(w, r, "channelID")
	if !ok {
		return
	}
	var req createMessageRequest
	if !decode(w, r, &req) {
		return
	}
	actor, _ := transport.Actor(r.Context())

	result, err := h.Creator.Create(r.Context(), message.CreateParams{
		ChannelID:   channelID,
		UserID:      actor,
		Message:     req.Message,
		InReplyToID: req.InReplyToID,
		ThreadID:    req.ThreadID,
		UploadIDs:   req.UploadIDs,
		StagedID:    req.StagedID,
	})
	if err != nil {
		h.internalError(w, r, err, "create message")
		return
	}
	if !result.OK() {
		writeFailure(w, result.Failure)
		return
	}
	writeJSON(w, http.StatusCreated, createMessageResponse{
		Message:   result.Message,
		Thread:    result.Thread,
		NewThread: result.NewThread,
		Uploads:   result.Uploads,
		Mentions:  result.Mentions,
		Reach:     result.Reach,
		StagedID:  result.StagedID,
	})
}

func (h *handler) updateMessage(w http.ResponseWriter, r *http.Request) {
	messageID, ok := pathID(w, r, "messageID")
	if !ok {
		return
	}
	var req updateMessageRequest
	if !decode(w, r, &req) {
		return
	}
	actor, _ := transport.Actor(r.Context())

	result, err := h.Updater.Update(r.Context(), message.UpdateParams{
		EditorID:  actor,
		MessageID: messageID,
		Message:   req.Message,
		UploadIDs: req.UploadIDs,
	})
	if err != nil {
		h.internalError(w, r, err, "update message")
		return
	}
	if !result.OK() {
		writeFailure(w, result.Failure)
		return
	}
	writeJSON(w, http.StatusOK, updateMessageResponse{
		Message:     result.Message,
		RevisionID:  result.RevisionID,
		NewMentions: result.NewMentions,
		Reach:       result.Reach,
		Unchanged:   result.Unchanged,
	})
}

func (h *handler) markRead(w http.ResponseWriter, r *http.Request) {
	channelID, ok := pathID(w, r, "channelID")
	if !ok {
		return
	}
	var req markReadRequest
	if !decode(w, r, &req) {
		return
	}
	if req.MessageID <= 0 {
		writeFailure(w, apperr.Validation("message_id is required"))
		return
	}
	actor, _ := transport.Actor(r.Context())

	updated, f, err := h.Membership.MarkRead(r.Context(), actor, channelID, req.MessageID)
	if err != nil {
		h.internalError(w, r, err, "mark read")
		return
	}
	if f != nil {
		writeFailure(w, f)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"updated": updated})
}

func (h *handler) moveMessages(w http.ResponseWriter, r *http.Request) {
	channelID, ok := pathID(w, r, "channelID")
	if !ok {
		return
	}
	var req moveRequest
	if !decode(w, r, &req) {
		return
	}
	actor, _ := transport.Actor(r.Context())

	result, err := h.Mover.Move(r.Context(), mover.MoveParams{
		ActorID:              actor,
		SourceChannelID:      channelID,
		DestinationChannelID: req.DestinationChannelID,
		MessageIDs:           req.MessageIDs,
	})
	if err != nil {
		// The detail stays in the log; the requester gets a generic failure.
		h.internalError(w, r, err, "move messages")
		return
	}
	if !result.OK() {
		writeFailure(w, result.Failure)
		return
	}

	idMap := make(map[string]int64, result.IDMap.Len())
	for _, old := range result.IDMap.Old() {
		copied, _ := result.IDMap.Lookup(old)
		idMap[strconv.FormatInt(old, 10)] = copied
	}
	writeJSON(w, http.StatusOK, moveResponse{
		MessageIDs:     result.MessageIDs,
		IDMap:          idMap,
		FirstMessageID: result.FirstMessageID,
		PlaceholderID:  result.PlaceholderID,
	})
}

// requestArchive records the archive and starts the run in the background.
// Only staff may archive a channel.
func (h *handler) requestArchive(w http.ResponseWriter, r *http.Request) {
	channelID, ok := pathID(w, r, "channelID")
	if !ok {
		return
	}
	var req archiveRequest
	if !decode(w, r, &req) {
		return
	}
	actor, _ := transport.Actor(r.Context())

	user, err := store.GetUser(r.Context(), h.DB, actor)
	if errors.Is(err, store.ErrNotFound) {
		writeFailure(w, apperr.NotAllowed("unknown user"))
		return
	}
	if err != nil {
		h.internalError(w, r, err, "load user")
		return
	}
	if !user.Staff {
		writeFailure(w, apperr.NotAllowed("only staff can archive channels"))
		return
	}

	a, f, err := h.Archive.Request(r.Context(), archive.RequestParams{
		ChannelID:  channelID,
		ActorID:    actor,
		TopicID:    req.TopicID,
		TopicTitle: req.TopicTitle,
		CategoryID: req.CategoryID,
		Tags:       req.Tags,
	})
	if err != nil {
		h.internalError(w, r, err, "request archive")
		return
	}
	if f != nil {
		writeFailure(w, f)
		return
	}
	if a.State != chat.ArchiveComplete {
		h.Archive.Start(r.Context(), channelID)
	}
	writeJSON(w, http.StatusAccepted, a)
}

func (h *handler) archiveStatus(w http.ResponseWriter, r *http.Request) {
	channelID, ok := pathID(w, r, "channelID")
	if !ok {
		return
	}
	a, f, err := h.Archive.Status(r.Context(), channelID)
	if err != nil {
		h.internalError(w, r, err, "archive status")
		return
	}
	if f != nil {
		writeFailure(w, f)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (h *handler) internalError(w http.ResponseWriter, r *http.Request, err error, op string) {
	h.Logger.Error().Err(err).
		Str("operation", op).
		Str("request_id", GetRequestID(r.Context())).
		Msg("request failed")
	writeError(w, http.StatusInternalServerError, "internal error")
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid "+name)
		return 0, false
	}
	return id, true
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}
