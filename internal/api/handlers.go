package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/carebridge/care-linking/internal/linking"
)

func submitHandler(svc *linking.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req SubmitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		requesterID, err := uuid.Parse(req.RequesterID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_requester_id", "requester_id must be a valid UUID")
			return
		}

		doctorID, err := uuid.Parse(req.DoctorID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_doctor_id", "doctor_id must be a valid UUID")
			return
		}

		created, err := svc.Submit(r.Context(), requesterID, doctorID, req.Message)
		if err != nil {
			handleSubmitError(w, err)
			return
		}

		writeJSON(w, http.StatusCreated, toRequestResponse(created))
	}
}

func resolveHandler(svc *linking.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		requestID, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_id", "id must be a valid UUID")
			return
		}

		var req ResolveRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		doctorID, err := uuid.Parse(req.DoctorID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_doctor_id", "doctor_id must be a valid UUID")
			return
		}

		resolvedBy, err := uuid.Parse(req.ResolvedBy)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_resolved_by", "resolved_by must be a valid UUID")
			return
		}

		resolved, link, err := svc.Resolve(r.Context(), requestID, doctorID, linking.RequestStatus(req.Decision), resolvedBy)
		if err != nil {
			handleResolveError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, ResolveResponse{
			Request: toRequestResponse(resolved),
			Link:    toLinkResponse(link),
		})
	}
}

func getRequestHandler(svc *linking.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_id", "id must be a valid UUID")
			return
		}

		req, err := svc.GetRequest(r.Context(), id)
		if err != nil {
			if errors.Is(err, linking.ErrRequestNotFound) {
				writeError(w, http.StatusNotFound, "request_not_found", err.Error())
				return
			}
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
			return
		}

		writeJSON(w, http.StatusOK, toRequestResponse(req))
	}
}

func doctorPendingRequestsHandler(svc *linking.Service) http.HandlerFunc {
	return listHandler(func(r *http.Request, id uuid.UUID) (any, error) {
		reqs, err := svc.ListPendingForDoctor(r.Context(), id)
		if err != nil {
			return nil, err
		}
		return toRequestResponses(reqs), nil
	})
}

func requesterRequestsHandler(svc *linking.Service) http.HandlerFunc {
	return listHandler(func(r *http.Request, id uuid.UUID) (any, error) {
		reqs, err := svc.ListForRequester(r.Context(), id)
		if err != nil {
			return nil, err
		}
		return toRequestResponses(reqs), nil
	})
}

func doctorLinksHandler(svc *linking.Service) http.HandlerFunc {
	return listHandler(func(r *http.Request, id uuid.UUID) (any, error) {
		links, err := svc.ListLinksForDoctor(r.Context(), id)
		if err != nil {
			return nil, err
		}
		return toLinkResponses(links), nil
	})
}

func patientLinksHandler(svc *linking.Service) http.HandlerFunc {
	return listHandler(func(r *http.Request, id uuid.UUID) (any, error) {
		links, err := svc.ListLinksForPatient(r.Context(), id)
		if err != nil {
			return nil, err
		}
		return toLinkResponses(links), nil
	})
}

func statsHandler(svc *linking.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_doctor_id", "id must be a valid UUID")
			return
		}

		stats, err := svc.Stats(r.Context(), id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
			return
		}

		writeJSON(w, http.StatusOK, StatsResponse{
			Pending:  stats.Pending,
			Accepted: stats.Accepted,
			Rejected: stats.Rejected,
			Total:    stats.Total,
		})
	}
}

func listHandler(list func(r *http.Request, id uuid.UUID) (any, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_id", "id must be a valid UUID")
			return
		}

		result, err := list(r, id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
			return
		}

		writeJSON(w, http.StatusOK, result)
	}
}

func handleSubmitError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, linking.ErrUnknownDoctor):
		writeError(w, http.StatusNotFound, "unknown_doctor", err.Error())
	case errors.Is(err, linking.ErrUnknownRequester):
		writeError(w, http.StatusNotFound, "unknown_requester", err.Error())
	case errors.Is(err, linking.ErrInvalidRole):
		writeError(w, http.StatusUnprocessableEntity, "invalid_role", err.Error())
	case errors.Is(err, linking.ErrAlreadyLinked):
		writeError(w, http.StatusConflict, "already_linked", err.Error())
	case errors.Is(err, linking.ErrDuplicatePending):
		writeError(w, http.StatusConflict, "duplicate_pending", err.Error())
	case errors.Is(err, linking.ErrPairBusy):
		writeError(w, http.StatusConflict, "pair_busy", "a request for this pair is being submitted, please retry shortly")
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

func handleResolveError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, linking.ErrRequestNotFound):
		writeError(w, http.StatusNotFound, "request_not_found", err.Error())
	case errors.Is(err, linking.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden", err.Error())
	case errors.Is(err, linking.ErrInvalidDecision):
		writeError(w, http.StatusBadRequest, "invalid_decision", err.Error())
	case errors.Is(err, linking.ErrAlreadyResolved):
		writeError(w, http.StatusConflict, "already_resolved", err.Error())
	case errors.Is(err, linking.ErrCompensationFailed):
		// The caller sees a generic failure; the reconciliation detail
		// is in the logs and the event stream.
		writeError(w, http.StatusInternalServerError, "internal_error", "resolution failed")
	case errors.Is(err, linking.ErrLinkCreationFailed):
		writeError(w, http.StatusConflict, "link_creation_failed", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}
