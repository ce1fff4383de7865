package http

import (
	"aggregator/pkg/aggregator"
	"aggregator/pkg/store"
	"time"
)

type Status string

const (
	// StatusOK is used for health-check responses.
	StatusOK Status = "OK"

	// StatusSuccess indicates an operation completed successfully.
	StatusSuccess Status = "success"

	// StatusError indicates an operation failed.
	StatusError Status = "error"

	// StatusApplied and StatusStale acknowledge a PUT.
	StatusApplied Status = "applied"
	StatusStale   Status = "stale"
)

// Response represents the standard API response format.
type Response struct {
	Status     Status                   `json:"status,omitempty"`
	Error      string                   `json:"error,omitempty"`
	Instance   string                   `json:"instance,omitempty"`
	Checkpoint *CheckpointBody          `json:"checkpoint,omitempty"`
	Backup     *aggregator.BackupResult `json:"backup,omitempty"`
}

// PutRequest is the body of PUT /api/v1/records/{sourceID}. Payload is
// base64 in JSON.
type PutRequest struct {
	Payload []byte `json:"payload"`
	Clock   uint64 `json:"clock"`
}

type PutResponse struct {
	Status      Status `json:"status"`
	ServerClock uint64 `json:"server_clock"`
}

type RecordBody struct {
	SourceID     string    `json:"source_id"`
	Payload      []byte    `json:"payload"`
	LogicalClock uint64    `json:"logical_clock"`
	SenderClock  uint64    `json:"sender_clock"`
	LastContact  time.Time `json:"last_contact"`
}

type RecordsResponse struct {
	Status      Status       `json:"status"`
	ServerClock uint64       `json:"server_clock"`
	Records     []RecordBody `json:"records"`
}

type CheckpointBody struct {
	Records int    `json:"records"`
	Clock   uint64 `json:"clock"`
	LastSeq uint64 `json:"last_seq"`
}

func NewOKResponse(instance string) Response {
	return Response{Status: StatusOK, Instance: instance}
}

func NewSuccessResponse() Response {
	return Response{Status: StatusSuccess}
}

func NewErrorResponse(err string) Response {
	return Response{Status: StatusError, Error: err}
}

func NewPutResponse(res store.Result) PutResponse {
	status := StatusApplied
	if res.Status == store.Stale {
		status = StatusStale
	}
	return PutResponse{Status: status, ServerClock: res.ServerClock}
}

func NewRecordsResponse(clock uint64, records ...store.Record) RecordsResponse {
	resp := RecordsResponse{
		Status:      StatusSuccess,
		ServerClock: clock,
		Records:     make([]RecordBody, 0, len(records)),
	}
	for _, r := range records {
		resp.Records = append(resp.Records, RecordBody{
			SourceID:     r.SourceID,
			Payload:      r.Payload,
			LogicalClock: r.LogicalClock,
			SenderClock:  r.SenderClock,
			LastContact:  r.LastContact,
		})
	}
	return resp
}
