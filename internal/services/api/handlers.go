package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/eloadlab/eload-telemetry/internal/model"
	"github.com/eloadlab/eload-telemetry/internal/model/messages"
	"github.com/eloadlab/eload-telemetry/internal/services/persistence"
)

const (
	maxBodyBytes = 64 << 10

	msgReceived = "Data received successfully."
	msgNoData   = "No data available yet."
)

// Handler exposes a Service over HTTP.
type Handler struct {
	svc     *Service
	log     logrus.FieldLogger
	metrics *Metrics
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc, log: svc.log, metrics: svc.metrics}
}

// POST /data
func (h *Handler) submit(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, decodeProblem(err))
		return
	}
	p, err := decodePayload(body)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	stored, err := h.svc.Submit(r.Context(), p)
	var verr *messages.ValidationError
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusUnprocessableEntity, verr.Error())
		return
	case err != nil:
		h.log.WithError(err).Error("cannot store measurement")
		writeError(w, http.StatusInternalServerError, "cannot store measurement")
		return
	}
	writeJSON(w, http.StatusOK, messages.SubmitResponse{Message: msgReceived, ID: stored.ID})
}

// GET /data/history?minutes=N
func (h *Handler) history(w http.ResponseWriter, r *http.Request) {
	raw := strings.TrimSpace(r.URL.Query().Get("minutes"))
	if raw == "" {
		writeError(w, http.StatusUnprocessableEntity, "minutes: query parameter required")
		return
	}
	minutes, err := strconv.Atoi(raw)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, fmt.Sprintf("minutes: %q is not an integer", raw))
		return
	}

	list, err := h.svc.History(r.Context(), minutes)
	switch {
	case errors.Is(err, ErrInvalidMinutes):
		writeError(w, http.StatusUnprocessableEntity, "minutes: "+err.Error())
		return
	case err != nil:
		h.log.WithError(err).Error("cannot read history")
		writeError(w, http.StatusInternalServerError, "cannot read history")
		return
	}

	out := make([]messages.MeasurementView, 0, len(list))
	for _, m := range list {
		out = append(out, model.ToView(m))
	}
	writeJSON(w, http.StatusOK, out)
}

// GET /data/state
func (h *Handler) state(w http.ResponseWriter, r *http.Request) {
	st, err := h.svc.State(r.Context())
	switch {
	case errors.Is(err, persistence.ErrNotFound):
		writeError(w, http.StatusNotFound, msgNoData)
		return
	case err != nil:
		h.log.WithError(err).Error("cannot read state")
		writeError(w, http.StatusInternalServerError, "cannot read state")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// payloadKeys are the JSON names of MeasurementPayload. encoding/json would
// also accept them in any letter case.
var payloadKeys = []string{"currentSetpoint", "currentMeasured", "mode", "active", "pwm"}

// decodePayload accepts exactly one JSON value with case-exact keys.
// Unknown keys are ignored.
func decodePayload(body []byte) (messages.MeasurementPayload, error) {
	var p messages.MeasurementPayload
	dec := json.NewDecoder(bytes.NewReader(body))
	if err := dec.Decode(&p); err != nil {
		return p, errors.New(decodeProblem(err))
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return p, errors.New("request body must hold a single JSON object")
	}

	var keys map[string]json.RawMessage
	if err := json.Unmarshal(body, &keys); err != nil {
		// null decodes into an empty payload, validation reports it
		return p, nil
	}
	for k := range keys {
		for _, want := range payloadKeys {
			if k != want && strings.EqualFold(k, want) {
				return p, fmt.Errorf("%s: unknown field, field names are case-sensitive (%s)", k, want)
			}
		}
	}
	return p, nil
}

func decodeProblem(err error) string {
	var typeErr *json.UnmarshalTypeError
	var maxErr *http.MaxBytesError
	switch {
	case errors.Is(err, io.EOF):
		return "request body is empty"
	case errors.As(err, &typeErr) && typeErr.Field != "":
		return fmt.Sprintf("%s: expected %s, got %s", typeErr.Field, typeErr.Type, typeErr.Value)
	case errors.As(err, &typeErr):
		return "request body must be a JSON object"
	case errors.As(err, &maxErr):
		return fmt.Sprintf("request body larger than %d bytes", maxErr.Limit)
	default:
		return "malformed JSON: " + err.Error()
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, detail string) {
	writeJSON(w, code, messages.ErrorResponse{Detail: detail})
}
