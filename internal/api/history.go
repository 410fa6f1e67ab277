package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"tnpsc-study/internal/models"
	"tnpsc-study/internal/services"
)

const timeLayout = time.RFC3339

type reviewRequest struct {
	Rating string `json:"rating" validate:"required,oneof=again hard good easy"`
}

type chatRequest struct {
	Message string              `json:"message" validate:"max=4000"`
	History []services.ChatTurn `json:"history" validate:"max=50,dive"`
	Images  []chatImage         `json:"images" validate:"max=4,dive"`
}

type chatImage struct {
	MIMEType string `json:"mimeType" validate:"required,startswith=image/"`
	Data     []byte `json:"data" validate:"required"`
}

func (s *Server) handleListHistory(w http.ResponseWriter, r *http.Request, user string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if l, err := strconv.Atoi(raw); err == nil && l > 0 {
			limit = l
		}
	}
	records, err := s.history.List(r.Context(), user, limit)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if records == nil {
		records = []models.HistoryRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": records})
}

func (s *Server) handleHistoryActions(w http.ResponseWriter, r *http.Request, user string) {
	parts := pathParts(r.URL.Path, "/api/history/")
	switch {
	case len(parts) == 1:
		switch r.Method {
		case http.MethodGet:
			rec, err := s.history.Get(r.Context(), user, parts[0])
			if err != nil {
				s.writeServiceError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, rec)
		case http.MethodDelete:
			if err := s.history.Delete(r.Context(), user, parts[0]); err != nil {
				s.writeServiceError(w, err)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		default:
			methodNotAllowed(w, http.MethodGet, http.MethodDelete)
		}
	case len(parts) == 2 && parts[1] == "export":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, http.MethodGet)
			return
		}
		rec, err := s.history.Get(r.Context(), user, parts[0])
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		format := services.ReportFormat(strings.ToLower(r.URL.Query().Get("format")))
		req, err := services.HistoryReport(rec, format)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		report, err := s.reports.Render(req)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		writeAttachment(w, report)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleNextRevisionCard(w http.ResponseWriter, r *http.Request, user string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	card, err := s.revision.Next(r.Context(), user)
	if err != nil {
		if err == services.ErrNoDueCards {
			writeJSON(w, http.StatusOK, map[string]any{
				"card":    nil,
				"message": "No questions due for revision. Come back later!",
			})
			return
		}
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"card": cardJSON(card)})
}

func (s *Server) handleRevisionStats(w http.ResponseWriter, r *http.Request, user string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	stats, err := s.revision.Stats(r.Context(), user)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stats": stats})
}

func (s *Server) handleRevisionActions(w http.ResponseWriter, r *http.Request, user string) {
	parts := pathParts(r.URL.Path, "/api/revision/")
	if len(parts) != 2 || parts[1] != "review" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	cardID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid card id")
		return
	}

	var payload reviewRequest
	if err := decodeJSON(r, &payload, false); err != nil {
		s.writeServiceError(w, err)
		return
	}
	rating, err := services.ParseRating(payload.Rating)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	card, logEntry, err := s.revision.Review(r.Context(), user, cardID, rating)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"card": cardJSON(card),
		"log": map[string]any{
			"rating":  logEntry.Rating,
			"due_in":  logEntry.ScheduledDays,
			"updated": logEntry.ReviewedAt.Format(timeLayout),
		},
	})
}

func cardJSON(card *models.RevisionCard) map[string]any {
	var due *string
	if card.Due.Valid {
		str := card.Due.Time.Format(timeLayout)
		due = &str
	}
	return map[string]any{
		"id":        card.ID,
		"front":     card.Front,
		"back":      card.Back,
		"group":     card.GroupTag,
		"due":       due,
		"state":     card.State,
		"stability": card.Stability,
		"reps":      card.Reps,
	}
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload)
	var req chatRequest
	if err := decodeJSON(r, &req, false); err != nil {
		s.writeServiceError(w, err)
		return
	}
	attachments := make([]services.Attachment, len(req.Images))
	for i, img := range req.Images {
		attachments[i] = services.Attachment{MIMEType: img.MIMEType, Data: img.Data}
	}
	reply, err := s.chat.Reply(r.Context(), req.History, req.Message, attachments)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"reply": reply})
}
