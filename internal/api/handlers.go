package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/labdesk/lab-reservations/internal/auth"
	"github.com/labdesk/lab-reservations/internal/payment"
	"github.com/labdesk/lab-reservations/internal/readmodel"
	"github.com/labdesk/lab-reservations/internal/reservation"
)

const maxBodyBytes = 1 << 20

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return false
	}
	return true
}

// wholeHour converts a JSON number into an hour of the day. Fractions, NaN,
// infinities and values outside 0..24 are rejected.
func wholeHour(v *float64, field string) (*int, error) {
	if v == nil {
		return nil, nil
	}
	f := *v
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) || f < 0 || f > 24 {
		return nil, fmt.Errorf("%w: %s must be a whole hour between 0 and 24", reservation.ErrInvalidRange, field)
	}
	h := int(f)
	return &h, nil
}

func identity(r *http.Request) auth.Identity {
	id, _ := auth.FromContext(r.Context())
	return id
}

func availabilityHandler(svc *reservation.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		labID := r.URL.Query().Get("laboratoryId")
		date := r.URL.Query().Get("date")

		slots, err := svc.GetAvailability(r.Context(), labID, date, identity(r).Role)
		if err != nil {
			handleServiceError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, AvailabilityResponse{LaboratoryID: labID, Date: date, Slots: slots})
	}
}

func createReservationHandler(svc *reservation.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateReservationRequest
		if !decodeJSON(w, r, &req) {
			return
		}

		start, err := wholeHour(req.StartHour, "startHour")
		if err != nil {
			handleServiceError(w, err)
			return
		}
		end, err := wholeHour(req.EndHour, "endHour")
		if err != nil {
			handleServiceError(w, err)
			return
		}

		res, err := svc.CreateReservation(r.Context(), reservation.CreateRequest{
			LaboratoryID:   req.LaboratoryID,
			LaboratoryName: req.LaboratoryName,
			Date:           req.Date,
			StartHour:      start,
			EndHour:        end,
			Reason:         req.Reason,
			Kind:           reservation.Kind(req.Kind),
		}, identity(r))
		if err != nil {
			handleServiceError(w, err)
			return
		}

		resp := CreateReservationResponse{Reservation: res.Reservation}
		for _, p := range res.Preempted {
			resp.Preempted = append(resp.Preempted, p.ID)
		}
		writeJSON(w, http.StatusCreated, resp)
	}
}

func myReservationsHandler(svc *reservation.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rs, err := svc.ListByUser(r.Context(), identity(r).UserID)
		if err != nil {
			handleServiceError(w, err)
			return
		}
		if rs == nil {
			rs = []reservation.Reservation{}
		}
		writeJSON(w, http.StatusOK, ReservationListResponse{Reservations: rs})
	}
}

func getReservationHandler(svc *reservation.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := svc.Get(r.Context(), chi.URLParam(r, "id"), identity(r))
		if err != nil {
			handleServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func cancelReservationHandler(svc *reservation.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, err := svc.Cancel(r.Context(), chi.URLParam(r, "id"), identity(r)); err != nil {
			handleServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, MessageResponse{Message: "reservation cancelled"})
	}
}

func adminUpdateHandler(svc *reservation.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req AdminUpdateRequest
		if !decodeJSON(w, r, &req) {
			return
		}

		start, err := wholeHour(req.StartHour, "startHour")
		if err != nil {
			handleServiceError(w, err)
			return
		}
		end, err := wholeHour(req.EndHour, "endHour")
		if err != nil {
			handleServiceError(w, err)
			return
		}

		patch := reservation.AdminPatch{
			Reason:         req.Reason,
			LaboratoryID:   req.LaboratoryID,
			LaboratoryName: req.LaboratoryName,
			Date:           req.Date,
			StartHour:      start,
			EndHour:        end,
		}
		if req.Status != nil {
			st := reservation.Status(*req.Status)
			patch.Status = &st
		}

		res, err := svc.AdminUpdate(r.Context(), chi.URLParam(r, "id"), patch)
		if err != nil {
			handleServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func adminDeleteHandler(svc *reservation.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := svc.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
			handleServiceError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func dashboardHandler(svc *reservation.Service, mirror *readmodel.Mirror) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if mirror == nil {
			rs, err := svc.ListAll(r.Context())
			if err != nil {
				handleServiceError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, readmodel.Snapshot{Reservations: rs})
			return
		}

		snap, err := mirror.Current(r.Context())
		if err != nil {
			handleServiceError(w, err)
			return
		}
		if snap.Reservations == nil {
			snap.Reservations = []reservation.Reservation{}
		}
		writeJSON(w, http.StatusOK, snap)
	}
}

// paymentEventsHandler acknowledges every well-formed event. Only a store
// failure is answered with 500 so the provider redelivers.
func paymentEventsHandler(adapter *payment.Adapter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var ev payment.Event
		if !decodeJSON(w, r, &ev) {
			return
		}

		outcome, err := adapter.Handle(r.Context(), ev)
		if err != nil {
			handleServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, PaymentEventResponse{Received: true, Outcome: string(outcome)})
	}
}

func handleServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, reservation.ErrMissingParameter):
		writeError(w, http.StatusBadRequest, "missing_parameter", err.Error())
	case errors.Is(err, reservation.ErrInvalidParameter):
		writeError(w, http.StatusBadRequest, "invalid_parameter", err.Error())
	case errors.Is(err, reservation.ErrInvalidDate):
		writeError(w, http.StatusBadRequest, "invalid_date", err.Error())
	case errors.Is(err, reservation.ErrInvalidRange):
		writeError(w, http.StatusBadRequest, "invalid_range", err.Error())
	case errors.Is(err, reservation.ErrSlotUnavailable):
		writeError(w, http.StatusConflict, "slot_unavailable", err.Error())
	case errors.Is(err, reservation.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden", "not allowed to access this reservation")
	case errors.Is(err, reservation.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "reservation not found")
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", "an internal error occurred")
	}
}
