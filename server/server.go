package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/xhad/capture/internal/models"
	"github.com/xhad/capture/internal/types"
	"github.com/xhad/capture/pkg/ingest"
	"github.com/xhad/capture/pkg/rag"
	"github.com/xhad/capture/pkg/scraper"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Be careful with this in production
	},
}

// Message is the websocket frame format.
type Message struct {
	Type    string      `json:"type"`
	Content string      `json:"content"`
	Data    interface{} `json:"data,omitempty"`
}

type Config struct {
	Port         string
	QueryTimeout time.Duration
}

// Server exposes the ingestion and query contracts over HTTP and
// websocket. It owns no domain logic; everything is delegated to the
// coordinator, assembler and store.
type Server struct {
	config      Config
	coordinator *ingest.Coordinator
	assembler   *rag.Assembler
	store       types.Driver
	fetcher     *scraper.Fetcher
}

func New(config Config, coordinator *ingest.Coordinator, assembler *rag.Assembler, store types.Driver, fetcher *scraper.Fetcher) *Server {
	if config.Port == "" {
		config.Port = "8080"
	}
	if config.QueryTimeout == 0 {
		config.QueryTimeout = 60 * time.Second
	}
	return &Server{
		config:      config,
		coordinator: coordinator,
		assembler:   assembler,
		store:       store,
		fetcher:     fetcher,
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /documents", s.handleCreateDocument)
	mux.HandleFunc("GET /documents", s.handleListDocuments)
	mux.HandleFunc("GET /documents/count", s.handleCount)
	mux.HandleFunc("GET /documents/{id}", s.handleGetDocument)
	mux.HandleFunc("DELETE /documents/{id}", s.handleDeleteDocument)
	mux.HandleFunc("POST /chat", s.handleChat)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("/ws", s.handleWebSocket)
	return mux
}

func (s *Server) ListenAndServe() error {
	log.Printf("server: listening on port %s", s.config.Port)
	return http.ListenAndServe(":"+s.config.Port, s.Handler())
}

type createDocumentRequest struct {
	Title     string                 `json:"title"`
	Content   string                 `json:"content"`
	DocType   string                 `json:"doc_type,omitempty"`
	SourceURL string                 `json:"source_url,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Tags      []string               `json:"tags,omitempty"`
}

func (s *Server) handleCreateDocument(w http.ResponseWriter, r *http.Request) {
	var req createDocumentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	id, err := s.coordinator.Submit(r.Context(), models.Submission{
		Title:     req.Title,
		Content:   req.Content,
		DocType:   req.DocType,
		SourceURL: req.SourceURL,
		Metadata:  req.Metadata,
		Tags:      req.Tags,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"id":     id,
		"status": models.StatusPending,
	})
}

func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	snapshot, err := s.coordinator.GetStatus(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

type documentSummary struct {
	ID         string        `json:"id"`
	Title      string        `json:"title"`
	DocType    string        `json:"doc_type"`
	Tags       []string      `json:"tags,omitempty"`
	Status     models.Status `json:"status"`
	RetryCount int           `json:"retry_count"`
	LastError  string        `json:"last_error,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", defaultListLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, "limit must be an integer")
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "offset must be an integer")
		return
	}
	if limit < 1 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	if offset < 0 {
		offset = 0
	}

	docs, err := s.store.ListDocuments(r.Context(), limit, offset)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	summaries := make([]documentSummary, len(docs))
	for i, doc := range docs {
		summaries[i] = documentSummary{
			ID:         doc.ID,
			Title:      doc.Title,
			DocType:    doc.DocType,
			Tags:       doc.Tags,
			Status:     doc.Status,
			RetryCount: doc.RetryCount,
			LastError:  doc.LastError,
			CreatedAt:  doc.CreatedAt,
			UpdatedAt:  doc.UpdatedAt,
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"documents": summaries,
		"limit":     limit,
		"offset":    offset,
	})
}

func queryInt(r *http.Request, name string, fallback int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback, nil
	}
	return strconv.Atoi(raw)
}

func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Delete(r.Context(), r.PathValue("id")); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCount(w http.ResponseWriter, r *http.Request) {
	count, err := s.store.Count(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"count": count})
}

type chatRequest struct {
	Query        string `json:"query"`
	ContextLimit int    `json:"context_limit,omitempty"`
}

type chatResponse struct {
	Answer      string          `json:"answer"`
	Sources     []models.Source `json:"sources"`
	Degraded    bool            `json:"degraded,omitempty"`
	QueryTimeMS int64           `json:"query_time_ms"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	// The query deadline bounds retrieval and generation together; on
	// expiry the caller gets a timeout error, never a partial answer.
	ctx, cancel := context.WithTimeout(r.Context(), s.config.QueryTimeout)
	defer cancel()

	answer, err := s.assembler.Answer(ctx, req.Query, req.ContextLimit)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, chatResponse{
		Answer:      answer.Text,
		Sources:     answer.Sources,
		Degraded:    answer.Degraded,
		QueryTimeMS: answer.Elapsed.Milliseconds(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("server: websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			break
		}

		var msg Message
		if err := json.Unmarshal(message, &msg); err != nil {
			s.sendMessage(conn, "error", "invalid message")
			continue
		}

		s.handleMessage(conn, msg)
	}
}

var urlRegex = regexp.MustCompile(`https?://[^\s]+`)

func (s *Server) handleMessage(conn *websocket.Conn, msg Message) {
	query := strings.TrimSpace(msg.Content)

	// A URL in the message is an ingestion request.
	if pageURL := urlRegex.FindString(query); pageURL != "" {
		s.sendMessage(conn, "status", fmt.Sprintf("Fetching %s", pageURL))

		ctx, cancel := context.WithTimeout(context.Background(), s.config.QueryTimeout)
		defer cancel()

		sub, err := s.fetcher.Fetch(ctx, pageURL)
		if err != nil {
			s.sendMessage(conn, "error", fmt.Sprintf("Failed to fetch URL: %v", err))
			return
		}

		id, err := s.coordinator.Submit(ctx, *sub)
		if err != nil {
			s.sendMessage(conn, "error", fmt.Sprintf("Failed to submit document: %v", err))
			return
		}

		s.sendMessage(conn, "submitted", id)
		if query == pageURL {
			return
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.config.QueryTimeout)
	defer cancel()

	stream, errCh, sources, err := s.assembler.AnswerStream(ctx, query, 0)
	if err != nil {
		s.sendMessage(conn, "error", err.Error())
		return
	}

	for chunk := range stream {
		s.sendMessage(conn, "stream", chunk)
	}

	// The error channel resolves once the stream closes; a failed
	// generation ends the exchange with an error frame instead of sources.
	if err := <-errCh; err != nil {
		s.sendMessage(conn, "error", err.Error())
		return
	}

	if err := conn.WriteJSON(Message{Type: "sources", Data: sources}); err != nil {
		log.Printf("server: error sending sources: %v", err)
	}
}

func (s *Server) sendMessage(conn *websocket.Conn, msgType string, content string) {
	msg := Message{
		Type:    msgType,
		Content: content,
	}
	if err := conn.WriteJSON(msg); err != nil {
		log.Printf("server: error sending message: %v", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("server: error encoding response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeDomainError maps the error taxonomy onto HTTP statuses. Upstream
// unavailability is distinct from "no results", which is a 200 with empty
// sources.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, types.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, types.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "query deadline exceeded")
	case errors.Is(err, types.ErrUnavailable):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
