// backend/src/handlers/sync_handler.go
package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/username/kontoflow/backend/src/database"
	"github.com/username/kontoflow/backend/src/logger"
	"github.com/username/kontoflow/backend/src/model"
	"github.com/username/kontoflow/backend/src/models"
	"github.com/username/kontoflow/backend/src/providers"
	"github.com/username/kontoflow/backend/src/services"
	"github.com/username/kontoflow/backend/src/utils"
)

type SyncHandler struct {
	syncService services.SyncService
}

func NewSyncHandler(syncService services.SyncService) *SyncHandler {
	return &SyncHandler{
		syncService: syncService,
	}
}

func (h *SyncHandler) HandleTriggerSync(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetUserIDFromContext(r.Context())
	if !ok {
		utils.SendJSONError(w, "authentication required or user ID not found in context", http.StatusUnauthorized)
		return
	}

	connectionID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		utils.SendJSONError(w, "Invalid connection id", http.StatusBadRequest)
		return
	}

	var payload struct {
		DateFrom string `json:"date_from"`
		SyncType string `json:"sync_type"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil && !errors.Is(err, io.EOF) {
		utils.SendJSONError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if payload.DateFrom != "" {
		if _, err := time.Parse(utils.ISODateFormat, payload.DateFrom); err != nil {
			utils.SendJSONError(w, "date_from must be YYYY-MM-DD", http.StatusBadRequest)
			return
		}
	}

	// OAUTH_CONNECT marks the initial pull right after linking; AUTO is
	// reserved for the scheduler.
	syncType := models.SyncTypeManual
	switch payload.SyncType {
	case "", models.SyncTypeManual:
	case models.SyncTypeOAuthConnect:
		syncType = models.SyncTypeOAuthConnect
	default:
		utils.SendJSONError(w, "sync_type must be MANUAL or OAUTH_CONNECT", http.StatusBadRequest)
		return
	}

	result, err := h.syncService.Sync(r.Context(), userID, connectionID, services.SyncOptions{
		Type:        syncType,
		InitialFrom: payload.DateFrom,
		TriggeredBy: &userID,
	})
	if err != nil {
		switch {
		case errors.Is(err, model.ErrConnectionNotFound):
			utils.SendJSONError(w, "Connection not found", http.StatusNotFound)
		case errors.Is(err, services.ErrSyncInProgress):
			utils.SendJSONError(w, "A sync is already running for this connection", http.StatusConflict)
		case errors.Is(err, services.ErrConnectionDisconnected):
			utils.SendJSONError(w, "Connection is disconnected", http.StatusGone)
		case errors.Is(err, services.ErrSyncTimeout):
			utils.SendJSONError(w, "Sync timed out; completed pages were kept and the next run resumes the window", http.StatusGatewayTimeout)
		case errors.Is(err, providers.ErrTransient):
			utils.SendJSONError(w, "Bank provider is temporarily unavailable", http.StatusBadGateway)
		case errors.Is(err, providers.ErrProtocol):
			utils.SendJSONError(w, "Bank provider returned an unexpected response", http.StatusBadGateway)
		default:
			logger.L.Error("Sync trigger failed", "userID", userID, "connectionID", connectionID, "error", err)
			utils.SendJSONError(w, "Sync failed", http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(result); err != nil {
		logger.L.Error("Error encoding sync result", "userID", userID, "connectionID", connectionID, "error", err)
	}
}

func (h *SyncHandler) HandleListSyncLogs(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetUserIDFromContext(r.Context())
	if !ok {
		utils.SendJSONError(w, "authentication required or user ID not found in context", http.StatusUnauthorized)
		return
	}

	connectionID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		utils.SendJSONError(w, "Invalid connection id", http.StatusBadRequest)
		return
	}
	if _, err := model.GetConnectionByID(database.DB, userID, connectionID); err != nil {
		if errors.Is(err, model.ErrConnectionNotFound) {
			utils.SendJSONError(w, "Connection not found", http.StatusNotFound)
			return
		}
		logger.L.Error("Error loading connection for sync logs", "userID", userID, "connectionID", connectionID, "error", err)
		utils.SendJSONError(w, "Error retrieving sync logs", http.StatusInternalServerError)
		return
	}

	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 1 {
			utils.SendJSONError(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		if parsed > 100 {
			parsed = 100
		}
		limit = parsed
	}

	logs, err := model.ListSyncLogsByConnection(database.DB, connectionID, limit)
	if err != nil {
		logger.L.Error("Error listing sync logs", "userID", userID, "connectionID", connectionID, "error", err)
		utils.SendJSONError(w, "Error retrieving sync logs", http.StatusInternalServerError)
		return
	}
	if logs == nil {
		logs = []models.SyncLog{}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(logs); err != nil {
		logger.L.Error("Error encoding sync logs", "userID", userID, "connectionID", connectionID, "error", err)
	}
}
