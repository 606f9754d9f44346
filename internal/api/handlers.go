package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"go.uber.org/zap"

	"gwi.com/docchat/internal/core"
	"gwi.com/docchat/internal/store"
)

const multipartMemory = 32 << 20

// ChatService is what the HTTP layer needs from the core.
type ChatService interface {
	StartConversation(ctx context.Context) (*store.Conversation, error)
	ListConversations(ctx context.Context) ([]store.Conversation, error)
	GetConversation(ctx context.Context, id string) (*core.ConversationDetails, error)
	DeleteConversation(ctx context.Context, id string) error
	SendMessage(ctx context.Context, conversationID, content string) (*core.TurnResult, error)
	UploadDocument(ctx context.Context, conversationID, filename string, data []byte) (*core.IngestResult, error)
	ReprocessDocument(ctx context.Context, conversationID, documentID string) (*core.IngestResult, error)
}

var _ ChatService = (*core.ChatService)(nil)

type APIHandler struct {
	chatService   ChatService
	maxUploadSize int64
}

func NewAPIHandler(cs ChatService, maxUploadSize int64) *APIHandler {
	return &APIHandler{chatService: cs, maxUploadSize: maxUploadSize}
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps core errors onto HTTP statuses. Unexpected errors are logged
// and reported without detail.
func writeError(ctx context.Context, w http.ResponseWriter, err error) {
	var status int
	switch {
	case errors.Is(err, core.ErrConversationNotFound), errors.Is(err, core.ErrDocumentNotFound):
		status = http.StatusNotFound
	case errors.Is(err, core.ErrEmptyMessage), errors.Is(err, core.ErrMessageTooLong),
		errors.Is(err, core.ErrEmptyFile), errors.Is(err, core.ErrUnsupportedFileType):
		status = http.StatusBadRequest
	case errors.Is(err, core.ErrFileTooLarge):
		status = http.StatusRequestEntityTooLarge
	default:
		ctxzap.Error(ctx, "request failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal server error"})
		return
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func (h *APIHandler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *APIHandler) CreateConversationHandler(w http.ResponseWriter, r *http.Request) {
	conv, err := h.chatService.StartConversation(r.Context())
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusCreated, conv)
}

func (h *APIHandler) ListConversationsHandler(w http.ResponseWriter, r *http.Request) {
	convs, err := h.chatService.ListConversations(r.Context())
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	if convs == nil {
		convs = []store.Conversation{}
	}
	writeJSON(w, http.StatusOK, convs)
}

func (h *APIHandler) GetConversationHandler(w http.ResponseWriter, r *http.Request) {
	details, err := h.chatService.GetConversation(r.Context(), chi.URLParam(r, "conversationID"))
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	if details.Messages == nil {
		details.Messages = []store.Message{}
	}
	if details.Documents == nil {
		details.Documents = []store.Document{}
	}
	writeJSON(w, http.StatusOK, details)
}

func (h *APIHandler) DeleteConversationHandler(w http.ResponseWriter, r *http.Request) {
	if err := h.chatService.DeleteConversation(r.Context(), chi.URLParam(r, "conversationID")); err != nil {
		writeError(r.Context(), w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type ChatRequest struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id,omitempty"`
}

type ChatResponse struct {
	ConversationID   string        `json:"conversation_id"`
	Response         string        `json:"response"`
	UserMessage      store.Message `json:"user_message"`
	AssistantMessage store.Message `json:"assistant_message"`
	Degraded         bool          `json:"degraded"`
}

func (h *APIHandler) ChatHandler(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return
	}

	turn, err := h.chatService.SendMessage(r.Context(), req.ConversationID, req.Message)
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, ChatResponse{
		ConversationID:   turn.ConversationID,
		Response:         turn.AssistantMessage.Content,
		UserMessage:      turn.UserMessage,
		AssistantMessage: turn.AssistantMessage,
		Degraded:         turn.Degraded,
	})
}

// UploadHandler accepts a multipart form with a "file" part and an optional
// "conversation_id" field.
func (h *APIHandler) UploadHandler(w http.ResponseWriter, r *http.Request) {
	if h.maxUploadSize > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadSize+multipartMemory/32)
	}
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(r.Context(), w, core.ErrFileTooLarge)
			return
		}
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid multipart form: " + err.Error()})
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "no file provided"})
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}

	res, err := h.chatService.UploadDocument(r.Context(), r.FormValue("conversation_id"), header.Filename, data)
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (h *APIHandler) ReprocessDocumentHandler(w http.ResponseWriter, r *http.Request) {
	res, err := h.chatService.ReprocessDocument(r.Context(),
		chi.URLParam(r, "conversationID"), chi.URLParam(r, "documentID"))
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
