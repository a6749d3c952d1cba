package admin

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// KeyStore is the proxy's API-key administration surface: issuing keys
// and adjusting their token policy.
type KeyStore interface {
	Add(label, rate string, burst int, quota int64, providedKey string, ttl time.Duration) (KeyInfo, string, error)
	SetTokenPolicy(id string, balance int64, allowance int64, duration time.Duration) (KeyInfo, error)
	AddTokens(id string, delta int64) (KeyInfo, error)
}

// KeyInfo is the administrative view of one API key.
type KeyInfo struct {
	ID                   string
	TokenBalance         int64
	TokenAllowance       int64
	AllowanceDurationSec int64
}

// RegisterKeyRoutes wires the proxy's /admin/keys* routes onto s.
func RegisterKeyRoutes(s *Server, keys KeyStore) {
	kr := &keyRoutes{keys: keys}
	s.Handle("/admin/keys", kr.handleKeys)
	s.Handle("/admin/keys/", kr.handleKeyActions)
}

type keyRoutes struct {
	keys KeyStore
}

func (kr *keyRoutes) handleKeys(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}
	rec, secret, err := kr.keys.Add("token-meter", "60/m", 10, 0, "", 0)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"key_id":     rec.ID,
		"api_key":    secret,
		"created_at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (kr *keyRoutes) handleKeyActions(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/admin/keys/")
	parts := strings.Split(path, "/")
	if len(parts) < 2 {
		writeError(w, http.StatusNotFound, errors.New("not found"))
		return
	}
	keyID := parts[0]
	action := parts[1]
	switch action {
	case "policy":
		kr.handlePolicy(w, r, keyID)
	case "add-tokens":
		kr.handleAddTokens(w, r, keyID)
	default:
		writeError(w, http.StatusNotFound, errors.New("not found"))
	}
}

func (kr *keyRoutes) handlePolicy(w http.ResponseWriter, r *http.Request, keyID string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}
	var payload struct {
		TokenAllowance    int64  `json:"token_allowance"`
		AllowanceDuration string `json:"allowance_duration"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var duration time.Duration
	if strings.TrimSpace(payload.AllowanceDuration) != "" {
		d, err := time.ParseDuration(payload.AllowanceDuration)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		duration = d
	}
	rec, err := kr.keys.SetTokenPolicy(keyID, payload.TokenAllowance, payload.TokenAllowance, duration)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"key_id":             rec.ID,
		"token_balance":      rec.TokenBalance,
		"token_allowance":    rec.TokenAllowance,
		"allowance_duration": fmt.Sprintf("%ds", rec.AllowanceDurationSec),
	})
}

func (kr *keyRoutes) handleAddTokens(w http.ResponseWriter, r *http.Request, keyID string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}
	var payload struct {
		Tokens int64 `json:"tokens"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	rec, err := kr.keys.AddTokens(keyID, payload.Tokens)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"key_id":        rec.ID,
		"token_balance": rec.TokenBalance,
	})
}
