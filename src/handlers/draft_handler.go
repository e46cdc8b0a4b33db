package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/username/kontoflow/backend/src/database"
	"github.com/username/kontoflow/backend/src/logger"
	"github.com/username/kontoflow/backend/src/model"
	"github.com/username/kontoflow/backend/src/models"
	"github.com/username/kontoflow/backend/src/utils"
)

// DraftHandler serves the read side of a connection: the fetched bank
// transaction records and the draft journal entries built from them.
type DraftHandler struct{}

func NewDraftHandler() *DraftHandler {
	return &DraftHandler{}
}

// ownConnection resolves the path connection and enforces ownership. A nil
// return means the response has already been written.
func (h *DraftHandler) ownConnection(w http.ResponseWriter, r *http.Request) *models.BankConnection {
	userID, ok := GetUserIDFromContext(r.Context())
	if !ok {
		utils.SendJSONError(w, "authentication required or user ID not found in context", http.StatusUnauthorized)
		return nil
	}

	connectionID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		utils.SendJSONError(w, "Invalid connection id", http.StatusBadRequest)
		return nil
	}

	conn, err := model.GetConnectionByID(database.DB, userID, connectionID)
	if err != nil {
		if errors.Is(err, model.ErrConnectionNotFound) {
			utils.SendJSONError(w, "Connection not found", http.StatusNotFound)
			return nil
		}
		logger.L.Error("Error loading connection", "userID", userID, "connectionID", connectionID, "error", err)
		utils.SendJSONError(w, "Error retrieving connection", http.StatusInternalServerError)
		return nil
	}
	return conn
}

func (h *DraftHandler) HandleListRecords(w http.ResponseWriter, r *http.Request) {
	conn := h.ownConnection(w, r)
	if conn == nil {
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 1 {
			utils.SendJSONError(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		if parsed > 500 {
			parsed = 500
		}
		limit = parsed
	}
	offset := 0
	if v := r.URL.Query().Get("offset"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 0 {
			utils.SendJSONError(w, "Invalid offset", http.StatusBadRequest)
			return
		}
		offset = parsed
	}

	records, err := model.ListRecordsByConnection(database.DB, conn.ID, limit, offset)
	if err != nil {
		logger.L.Error("Error listing transaction records", "connectionID", conn.ID, "error", err)
		utils.SendJSONError(w, "Error retrieving transaction records", http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []models.BankTransactionRecord{}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(records); err != nil {
		logger.L.Error("Error encoding transaction records", "connectionID", conn.ID, "error", err)
	}
}

func (h *DraftHandler) HandleListDrafts(w http.ResponseWriter, r *http.Request) {
	conn := h.ownConnection(w, r)
	if conn == nil {
		return
	}

	drafts, err := model.ListDraftsByConnection(database.DB, conn.ID)
	if err != nil {
		logger.L.Error("Error listing draft entries", "connectionID", conn.ID, "error", err)
		utils.SendJSONError(w, "Error retrieving draft entries", http.StatusInternalServerError)
		return
	}
	if drafts == nil {
		drafts = []models.DraftJournalEntry{}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(drafts); err != nil {
		logger.L.Error("Error encoding draft entries", "connectionID", conn.ID, "error", err)
	}
}
