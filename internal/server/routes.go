package server

import (
	"CaseBattle/internal/battle"
	"CaseBattle/internal/fairness"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
)

const maxBodyBytes = 1 << 20

type api struct {
	orch     *battle.Orchestrator
	settler  battle.Settler
	prices   FairValuer
	validate *validator.Validate
	logger   zerolog.Logger
}

// newValidator reports fields by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func (a *api) register(mux *runtime.ServeMux) error {
	routes := []struct {
		method  string
		pattern string
		handler runtime.HandlerFunc
	}{
		{http.MethodPost, "/v1/battles", a.createBattle},
		{http.MethodGet, "/v1/battles/{battle_id}", a.getBattle},
		{http.MethodPost, "/v1/battles/{battle_id}/join", a.joinBattle},
		{http.MethodPost, "/v1/battles/{battle_id}/cancel", a.cancelBattle},
		{http.MethodPost, "/v1/battles/{battle_id}/settle", a.settleBattle},
		{http.MethodGet, "/v1/battles/{battle_id}/rounds/{round_index}/verify", a.verifyRound},
		{http.MethodGet, "/v1/items/{item_id}/fair-value", a.fairValue},
	}
	for _, r := range routes {
		if err := mux.HandlePath(r.method, r.pattern, r.handler); err != nil {
			return fmt.Errorf("%s %s: %w", r.method, r.pattern, err)
		}
	}
	return nil
}

// ============================================================================
// Battles
// ============================================================================

func (a *api) createBattle(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req battle.CreateRequest
	if !a.decode(w, r, &req) {
		return
	}
	b, err := a.orch.CreateBattle(r.Context(), req)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, b)
}

func (a *api) getBattle(w http.ResponseWriter, r *http.Request, params map[string]string) {
	id, ok := a.battleID(w, params)
	if !ok {
		return
	}
	state, err := a.orch.GetState(r.Context(), id)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

type joinBody struct {
	UserID     uuid.UUID `json:"user_id" validate:"required"`
	Username   string    `json:"username" validate:"required,max=32,printascii"`
	ClientSeed string    `json:"client_seed,omitempty" validate:"omitempty,max=64,printascii"`
}

func (a *api) joinBattle(w http.ResponseWriter, r *http.Request, params map[string]string) {
	id, ok := a.battleID(w, params)
	if !ok {
		return
	}
	var body joinBody
	if !a.decode(w, r, &body) {
		return
	}
	p, err := a.orch.JoinBattle(r.Context(), battle.JoinRequest{
		BattleID:   id,
		UserID:     body.UserID,
		Username:   body.Username,
		ClientSeed: body.ClientSeed,
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

type cancelBody struct {
	RequestedBy uuid.UUID `json:"requested_by" validate:"required"`
	Reason      string    `json:"reason" validate:"max=200"`
}

// cancelBattle is the user-facing cancel: system cancellations never come
// through HTTP, so requested_by is mandatory.
func (a *api) cancelBattle(w http.ResponseWriter, r *http.Request, params map[string]string) {
	id, ok := a.battleID(w, params)
	if !ok {
		return
	}
	var body cancelBody
	if !a.decode(w, r, &body) {
		return
	}
	b, err := a.orch.CancelBattle(r.Context(), battle.CancelRequest{
		BattleID:    id,
		RequestedBy: body.RequestedBy,
		Reason:      body.Reason,
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// settleBattle returns the stored result for settled battles and retries an
// outstanding payout.
func (a *api) settleBattle(w http.ResponseWriter, r *http.Request, params map[string]string) {
	id, ok := a.battleID(w, params)
	if !ok {
		return
	}
	res, err := a.settler.Settle(r.Context(), id)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *api) verifyRound(w http.ResponseWriter, r *http.Request, params map[string]string) {
	id, ok := a.battleID(w, params)
	if !ok {
		return
	}
	index, err := strconv.Atoi(params["round_index"])
	if err != nil || index < 1 {
		a.badRequest(w, "round_index must be a positive integer")
		return
	}
	audit, err := a.orch.VerifyRound(r.Context(), id, index)
	if err != nil && !(errors.Is(err, fairness.ErrFairnessViolation) && audit != nil) {
		a.fail(w, r, err)
		return
	}
	// A violation is a successful audit with valid=false.
	writeJSON(w, http.StatusOK, audit)
}

func (a *api) fairValue(w http.ResponseWriter, r *http.Request, params map[string]string) {
	res, err := a.prices.FairValue(r.Context(), params["item_id"])
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ============================================================================
// Helpers
// ============================================================================

func (a *api) battleID(w http.ResponseWriter, params map[string]string) (uuid.UUID, bool) {
	id, err := uuid.Parse(params["battle_id"])
	if err != nil {
		a.badRequest(w, "invalid battle_id")
		return uuid.Nil, false
	}
	return id, true
}

func (a *api) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		a.badRequest(w, "invalid request body: "+err.Error())
		return false
	}
	if err := a.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			a.badRequest(w, describeValidation(verrs))
			return false
		}
		a.fail(w, r, err)
		return false
	}
	return true
}

func describeValidation(verrs validator.ValidationErrors) string {
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, fe.Field()+" is required")
		case "max":
			msgs = append(msgs, fmt.Sprintf("%s must be at most %s characters", fe.Field(), fe.Param()))
		case "oneof":
			msgs = append(msgs, fmt.Sprintf("%s must be one of: %s", fe.Field(), fe.Param()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s failed %s validation", fe.Field(), fe.Tag()))
		}
	}
	return strings.Join(msgs, "; ")
}

func (a *api) badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Code: "invalid_argument", Message: msg})
}

func (a *api) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	if status >= http.StatusInternalServerError {
		a.logger.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	writeJSON(w, status, errorBody{Code: code, Message: err.Error()})
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"error"`
}

// classify maps domain errors onto HTTP statuses.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, battle.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, battle.ErrInvalidMode),
		errors.Is(err, battle.ErrInvalidParticipantCount),
		errors.Is(err, battle.ErrInvalidCases),
		errors.Is(err, battle.ErrUnknownCase):
		return http.StatusBadRequest, "invalid_argument"
	case errors.Is(err, battle.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, battle.ErrInsufficientFunds):
		return http.StatusPaymentRequired, "insufficient_funds"
	case errors.Is(err, battle.ErrBattleFull),
		errors.Is(err, battle.ErrBattleNotJoinable),
		errors.Is(err, battle.ErrAlreadyJoined),
		errors.Is(err, battle.ErrInvalidTransition),
		errors.Is(err, battle.ErrAlreadySettled),
		errors.Is(err, battle.ErrRoundNotRevealed):
		return http.StatusConflict, "conflict"
	case errors.Is(err, battle.ErrShuttingDown):
		return http.StatusServiceUnavailable, "unavailable"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
