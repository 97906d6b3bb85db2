package widget

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/magic-spells/gift-with-purchase/internal/common"
	"github.com/magic-spells/gift-with-purchase/internal/gift"
)

// SignatureHeader carries the hex HMAC-SHA256 digest of the notification
// body when a webhook secret is configured.
const SignatureHeader = "X-Cart-Signature"

const maxBodyBytes = 1 << 20

// Handler serves the widget API.
type Handler struct {
	Reg      *Registry
	Secret   string
	Validate *validator.Validate
	Logger   zerolog.Logger
}

type registerRequest struct {
	Token      string            `json:"token" validate:"required,min=1,max=128"`
	Attributes map[string]string `json:"attributes"`
}

type setterRequest struct {
	Value string `json:"value"`
}

// Register creates or updates the widget instance for a cart token.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		common.JSONError(w, http.StatusBadRequest, "INVALID_BODY", "malformed json body", nil)
		return
	}
	req.Token = strings.TrimSpace(req.Token)
	if h.Validate != nil {
		if err := h.Validate.Struct(req); err != nil {
			common.JSONError(w, http.StatusUnprocessableEntity, "VALIDATION", "invalid registration payload", err.Error())
			return
		}
	}
	eng, created := h.Reg.Register(r.Context(), req.Token, req.Attributes)
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	common.JSON(w, status, map[string]any{"data": eng.State()})
}

// Notify ingests a cart-changed notification. A payload without a subtotal is
// accepted and ignored.
func (h *Handler) Notify(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	if _, ok := h.Reg.Get(token); !ok {
		common.JSONError(w, http.StatusNotFound, "NOT_FOUND", "widget not registered", nil)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "INVALID_BODY", "unreadable body", nil)
		return
	}
	if h.Secret != "" && !h.verifySignature(body, r.Header.Get(SignatureHeader)) {
		common.JSONError(w, http.StatusUnauthorized, "BAD_SIGNATURE", "signature verification failed", nil)
		return
	}
	if !h.Reg.Dispatch(token, gift.ParseSnapshot(body)) {
		// engine exists but is detached; the notification is still acknowledged
		h.Logger.Debug().Str("token", token).Msg("notification for detached widget")
	}
	w.WriteHeader(http.StatusAccepted)
}

// State returns the full derived state of a widget instance.
func (h *Handler) State(w http.ResponseWriter, r *http.Request) {
	eng, ok := h.Reg.Get(chi.URLParam(r, "token"))
	if !ok {
		common.JSONError(w, http.StatusNotFound, "NOT_FOUND", "widget not registered", nil)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": eng.State()})
}

// SetAmount drives the engine's current amount programmatically.
func (h *Handler) SetAmount(w http.ResponseWriter, r *http.Request) {
	h.setter(w, r, func(eng *gift.Engine, value string) {
		eng.SetCurrentAmount(r.Context(), value)
	})
}

// SetThreshold replaces the spend threshold.
func (h *Handler) SetThreshold(w http.ResponseWriter, r *http.Request) {
	h.setter(w, r, func(eng *gift.Engine, value string) {
		eng.SetThreshold(r.Context(), value)
	})
}

// SetVariant replaces the configured gift variant.
func (h *Handler) SetVariant(w http.ResponseWriter, r *http.Request) {
	h.setter(w, r, func(eng *gift.Engine, value string) {
		eng.SetVariantID(r.Context(), value)
	})
}

// Remove tears the widget instance down.
func (h *Handler) Remove(w http.ResponseWriter, r *http.Request) {
	if !h.Reg.Remove(r.Context(), chi.URLParam(r, "token")) {
		common.JSONError(w, http.StatusNotFound, "NOT_FOUND", "widget not registered", nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) setter(w http.ResponseWriter, r *http.Request, apply func(*gift.Engine, string)) {
	eng, ok := h.Reg.Get(chi.URLParam(r, "token"))
	if !ok {
		common.JSONError(w, http.StatusNotFound, "NOT_FOUND", "widget not registered", nil)
		return
	}
	var req setterRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		common.JSONError(w, http.StatusBadRequest, "INVALID_BODY", "malformed json body", nil)
		return
	}
	apply(eng, req.Value)
	common.JSON(w, http.StatusOK, map[string]any{"data": eng.State()})
}

func (h *Handler) verifySignature(body []byte, provided string) bool {
	provided = strings.TrimSpace(provided)
	if provided == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(h.Secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(provided))
}
