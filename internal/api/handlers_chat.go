package api

import (
	"errors"
	"io"
	"net/http"

	apperrors "github.com/eigensurance/internal/errors"
	"github.com/eigensurance/internal/service"
	"github.com/gorilla/mux"
)

// handleChat handles POST /api/chat - Generate the next assistant reply
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req service.ChatInput
	if err := parseLenientJSONBody(w, r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	req.UserAddress = sessionFromContext(r.Context()).Address

	result, err := s.services.Chats.Chat(r.Context(), req)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// handleListChats handles GET /api/chats - The user's chats, newest first
func (s *Server) handleListChats(w http.ResponseWriter, r *http.Request) {
	chats, err := s.services.Chats.ListChats(r.Context(), sessionFromContext(r.Context()).Address)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, chats)
}

// handleGetChat handles GET /api/chats/{id}
func (s *Server) handleGetChat(w http.ResponseWriter, r *http.Request) {
	chat, err := s.services.Chats.GetChat(r.Context(), sessionFromContext(r.Context()).Address, mux.Vars(r)["id"])
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, chat)
}

// handleClearChats handles DELETE /api/chats - Delete the user's chat history
func (s *Server) handleClearChats(w http.ResponseWriter, r *http.Request) {
	n, err := s.services.Chats.ClearChats(r.Context(), sessionFromContext(r.Context()).Address)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"deleted": n})
}

// handleUploadDocument handles POST /api/chats/{id}/documents (multipart "file")
func (s *Server) handleUploadDocument(w http.ResponseWriter, r *http.Request) {
	name, contentType, data, err := readUpload(w, r)
	if err != nil {
		respondError(w, r, err)
		return
	}

	doc, err := s.services.Documents.Upload(r.Context(), service.UploadInput{
		User:        sessionFromContext(r.Context()).Address,
		ChatID:      mux.Vars(r)["id"],
		Name:        name,
		ContentType: contentType,
		Data:        data,
	})
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, doc)
}

// handleListDocuments handles GET /api/chats/{id}/documents
func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	docs, err := s.services.Documents.List(r.Context(), sessionFromContext(r.Context()).Address, mux.Vars(r)["id"])
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, docs)
}

// handleParsePDF handles POST /api/parse-pdf (multipart "file") - Extract text without storing
func (s *Server) handleParsePDF(w http.ResponseWriter, r *http.Request) {
	name, _, data, err := readUpload(w, r)
	if err != nil {
		respondError(w, r, err)
		return
	}

	text, err := s.services.Documents.ParsePDF(r.Context(), name, data)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"text": text})
}

// readUpload reads the "file" part of a multipart request
func readUpload(w http.ResponseWriter, r *http.Request) (string, string, []byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, service.MaxDocumentSize+1<<20)
	if err := r.ParseMultipartForm(service.MaxDocumentSize); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return "", "", nil, apperrors.NewInvalidParameterError("file", "exceeds 10 MiB")
		}
		return "", "", nil, apperrors.NewInvalidInputError("expected a multipart form")
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		return "", "", nil, apperrors.NewInvalidParameterError("file", "required")
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, service.MaxDocumentSize+1))
	if err != nil {
		return "", "", nil, apperrors.NewInvalidInputError("failed to read upload")
	}
	return header.Filename, header.Header.Get("Content-Type"), data, nil
}
