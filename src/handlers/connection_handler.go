// backend/src/handlers/connection_handler.go
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/username/kontoflow/backend/src/database"
	"github.com/username/kontoflow/backend/src/logger"
	"github.com/username/kontoflow/backend/src/model"
	"github.com/username/kontoflow/backend/src/models"
	"github.com/username/kontoflow/backend/src/oauthstate"
	"github.com/username/kontoflow/backend/src/providers"
	"github.com/username/kontoflow/backend/src/services"
	"github.com/username/kontoflow/backend/src/utils"
)

type ConnectionHandler struct {
	linkingService services.LinkingService
}

func NewConnectionHandler(linkingService services.LinkingService) *ConnectionHandler {
	return &ConnectionHandler{
		linkingService: linkingService,
	}
}

func (h *ConnectionHandler) HandleInitiate(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetUserIDFromContext(r.Context())
	if !ok {
		utils.SendJSONError(w, "authentication required or user ID not found in context", http.StatusUnauthorized)
		return
	}

	var payload struct {
		ASPSP string `json:"aspsp"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil && !errors.Is(err, io.EOF) {
		utils.SendJSONError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	authorizationURL, state, err := h.linkingService.InitiateConnection(payload.ASPSP)
	if err != nil {
		logger.L.Error("Failed to initiate bank authorization", "userID", userID, "error", err)
		utils.SendJSONError(w, "Failed to initiate bank authorization", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]string{
		"authorization_url": authorizationURL,
		"state":             state,
	}); err != nil {
		logger.L.Error("Error encoding initiate response", "userID", userID, "error", err)
	}
}

// HandleCallback is the bank's redirect target. It is not behind the auth
// middleware; the request is correlated by the single-use state token.
func (h *ConnectionHandler) HandleCallback(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	state := r.URL.Query().Get("state")
	if code == "" || state == "" {
		utils.SendJSONError(w, "code and state query parameters are required", http.StatusBadRequest)
		return
	}

	oauthState, err := h.linkingService.HandleCallback(r.Context(), code, state)
	if err != nil {
		switch {
		case errors.Is(err, oauthstate.ErrStateNotFound):
			utils.SendJSONError(w, "Unknown or already used authorization state", http.StatusNotFound)
		case errors.Is(err, oauthstate.ErrStateExpired):
			utils.SendJSONError(w, "Authorization state expired, restart the connection flow", http.StatusGone)
		case errors.Is(err, providers.ErrTransient):
			utils.SendJSONError(w, "Bank provider is temporarily unavailable", http.StatusBadGateway)
		case errors.Is(err, providers.ErrProtocol):
			utils.SendJSONError(w, "Bank provider returned an unexpected response", http.StatusBadGateway)
		default:
			logger.L.Error("Callback handling failed", "error", err)
			utils.SendJSONError(w, "Failed to complete bank authorization", http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{
		"oauth_state_id": oauthState.ID,
		"aspsp":          oauthState.ASPSP,
		"expires_at":     oauthState.ExpiresAt,
		"accounts":       oauthState.Accounts,
	}); err != nil {
		logger.L.Error("Error encoding callback response", "error", err)
	}
}

func (h *ConnectionHandler) HandleLink(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetUserIDFromContext(r.Context())
	if !ok {
		utils.SendJSONError(w, "authentication required or user ID not found in context", http.StatusUnauthorized)
		return
	}

	var payload struct {
		OAuthStateID string                   `json:"oauth_state_id"`
		Links        []services.LinkSelection `json:"links"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.SendJSONError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if payload.OAuthStateID == "" {
		utils.SendJSONError(w, "oauth_state_id is required", http.StatusBadRequest)
		return
	}

	connections, err := h.linkingService.LinkAccounts(userID, payload.OAuthStateID, payload.Links)
	if err != nil {
		switch {
		case errors.Is(err, oauthstate.ErrStateNotFound):
			utils.SendJSONError(w, "Unknown or already used account selection", http.StatusNotFound)
		case errors.Is(err, oauthstate.ErrStateExpired):
			utils.SendJSONError(w, "Account selection expired, restart the connection flow", http.StatusGone)
		case errors.Is(err, services.ErrInvalidLink):
			utils.SendJSONError(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, services.ErrLinkConflict):
			utils.SendJSONError(w, err.Error(), http.StatusConflict)
		default:
			logger.L.Error("Linking accounts failed", "userID", userID, "error", err)
			utils.SendJSONError(w, "Failed to link accounts", http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(connections); err != nil {
		logger.L.Error("Error encoding linked connections", "userID", userID, "error", err)
	}
}

func (h *ConnectionHandler) HandleListConnections(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetUserIDFromContext(r.Context())
	if !ok {
		utils.SendJSONError(w, "authentication required or user ID not found in context", http.StatusUnauthorized)
		return
	}

	connections, err := model.ListConnectionsByUser(database.DB, userID)
	if err != nil {
		logger.L.Error("Error listing connections", "userID", userID, "error", err)
		utils.SendJSONError(w, fmt.Sprintf("Error retrieving connections for userID %d", userID), http.StatusInternalServerError)
		return
	}
	if connections == nil {
		connections = []models.BankConnection{}
	}

	currentETag, etagErr := utils.GenerateETag(connections)
	if etagErr != nil {
		logger.L.Error("Failed to generate ETag for connections", "userID", userID, "error", etagErr)
	}

	w.Header().Set("Cache-Control", "no-cache, private")

	if etagErr == nil && currentETag != "" {
		quotedETag := fmt.Sprintf("\"%s\"", currentETag)
		w.Header().Set("ETag", quotedETag)
		clientETag := r.Header.Get("If-None-Match")
		for _, cETag := range strings.Split(clientETag, ",") {
			if strings.TrimSpace(cETag) == quotedETag {
				w.WriteHeader(http.StatusNotModified)
				return
			}
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(connections); err != nil {
		logger.L.Error("Error encoding connections", "userID", userID, "error", err)
	}
}

func (h *ConnectionHandler) HandleDisconnect(w http.ResponseWriter, r *http.Request) {
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

	if err := h.linkingService.Disconnect(r.Context(), userID, connectionID); err != nil {
		if errors.Is(err, model.ErrConnectionNotFound) {
			utils.SendJSONError(w, "Connection not found", http.StatusNotFound)
			return
		}
		logger.L.Error("Disconnect failed", "userID", userID, "connectionID", connectionID, "error", err)
		utils.SendJSONError(w, "Failed to disconnect connection", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
