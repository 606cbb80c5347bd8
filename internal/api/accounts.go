package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/filevault/filevault/internal/account"
	"github.com/filevault/filevault/internal/storage"
)

type accountsResponse struct {
	Accounts []storage.AccountInfo `json:"accounts"`
	ActiveID string                `json:"activeId"` // "" means local
}

func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	infos, err := s.manager.Accounts(r.Context())
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, "failed to list accounts")
		return
	}
	s.sendJSON(w, http.StatusOK, accountsResponse{
		Accounts: infos,
		ActiveID: s.manager.GetActiveAccountID(),
	})
}

func (s *Server) handleActivateAccount(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.manager.SwitchAccount(r.Context(), id); err != nil {
		if errors.Is(err, storage.ErrNotConfigured) {
			s.sendError(w, http.StatusNotFound, "account not found")
			return
		}
		s.sendError(w, http.StatusInternalServerError, "failed to switch account")
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]string{"activeId": id})
}

func (s *Server) handleActivateLocal(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.SwitchToLocal(r.Context()); err != nil {
		s.sendError(w, http.StatusInternalServerError, "failed to switch to local storage")
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]string{"activeId": ""})
}

type oneDriveConfigRequest struct {
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret"`
	RefreshToken string `json:"refreshToken"`
	TenantID     string `json:"tenantId"`
}

func (s *Server) handleConfigureOneDrive(w http.ResponseWriter, r *http.Request) {
	var req oneDriveConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ClientID == "" || req.ClientSecret == "" || req.RefreshToken == "" {
		s.sendError(w, http.StatusBadRequest, "clientId, clientSecret, and refreshToken are required")
		return
	}

	if err := s.manager.UpdateOneDriveConfig(r.Context(),
		req.ClientID, req.ClientSecret, req.RefreshToken, req.TenantID); err != nil {
		s.sendError(w, http.StatusInternalServerError, "failed to configure OneDrive: "+err.Error())
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]string{"activeId": s.manager.GetActiveAccountID()})
}

func (s *Server) handleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	acct, err := s.accounts.Get(r.Context(), id)
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, "failed to look up account")
		return
	}
	if acct == nil {
		s.sendError(w, http.StatusNotFound, "account not found")
		return
	}

	if err := s.accounts.Delete(r.Context(), id); err != nil {
		if errors.Is(err, account.ErrAccountActive) {
			s.sendError(w, http.StatusConflict, "cannot delete the active account; switch storage first")
			return
		}
		s.sendError(w, http.StatusInternalServerError, "failed to delete account")
		return
	}

	s.manager.RemoveProvider(storage.Key{Type: acct.Type, AccountID: acct.ID})
	w.WriteHeader(http.StatusNoContent)
}

// ─── Settings ───────────────────────────────────────────────────────────────

func (s *Server) handleGetSetting(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	value, err := s.settings.Get(r.Context(), key)
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, "failed to read setting")
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]string{"key": key, "value": value})
}

func (s *Server) handleSetSetting(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Value string `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	key := r.PathValue("key")
	if err := s.settings.Set(r.Context(), key, req.Value); err != nil {
		s.sendError(w, http.StatusInternalServerError, "failed to store setting")
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]string{"key": key, "value": req.Value})
}
