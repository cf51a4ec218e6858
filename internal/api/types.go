package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/carebridge/care-linking/internal/linking"
)

type SubmitRequest struct {
	RequesterID string `json:"requester_id"`
	DoctorID    string `json:"doctor_id"`
	Message     string `json:"message,omitempty"`
}

type ResolveRequest struct {
	DoctorID   string `json:"doctor_id"`
	Decision   string `json:"decision"`
	ResolvedBy string `json:"resolved_by"`
}

type LinkRequestResponse struct {
	ID          uuid.UUID  `json:"id"`
	RequesterID uuid.UUID  `json:"requester_id"`
	DoctorID    uuid.UUID  `json:"doctor_id"`
	Message     string     `json:"message,omitempty"`
	Status      string     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`
	ResolvedBy  *uuid.UUID `json:"resolved_by,omitempty"`
}

type LinkResponse struct {
	DoctorID  uuid.UUID `json:"doctor_id"`
	PatientID uuid.UUID `json:"patient_id"`
	CreatedAt time.Time `json:"created_at"`
}

type ResolveResponse struct {
	Request LinkRequestResponse `json:"request"`
	Link    *LinkResponse       `json:"link,omitempty"`
}

type StatsResponse struct {
	Pending  int `json:"pending"`
	Accepted int `json:"accepted"`
	Rejected int `json:"rejected"`
	Total    int `json:"total"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func toRequestResponse(req *linking.LinkRequest) LinkRequestResponse {
	return LinkRequestResponse{
		ID:          req.ID,
		RequesterID: req.RequesterID,
		DoctorID:    req.DoctorID,
		Message:     req.Message,
		Status:      string(req.Status),
		CreatedAt:   req.CreatedAt,
		ResolvedAt:  req.ResolvedAt,
		ResolvedBy:  req.ResolvedBy,
	}
}

func toRequestResponses(reqs []linking.LinkRequest) []LinkRequestResponse {
	result := make([]LinkRequestResponse, 0, len(reqs))
	for i := range reqs {
		result = append(result, toRequestResponse(&reqs[i]))
	}
	return result
}

func toLinkResponse(l *linking.Link) *LinkResponse {
	if l == nil {
		return nil
	}
	return &LinkResponse{
		DoctorID:  l.DoctorID,
		PatientID: l.PatientID,
		CreatedAt: l.CreatedAt,
	}
}

func toLinkResponses(links []linking.Link) []LinkResponse {
	result := make([]LinkResponse, 0, len(links))
	for i := range links {
		result = append(result, *toLinkResponse(&links[i]))
	}
	return result
}
