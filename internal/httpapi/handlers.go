package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/breeze-rmm/devrestore/internal/device"
	"github.com/breeze-rmm/devrestore/internal/executor"
	"github.com/breeze-rmm/devrestore/internal/firmware"
	"github.com/breeze-rmm/devrestore/internal/oplog"
	"github.com/breeze-rmm/devrestore/internal/restore"
)

func (s *Server) handleDeviceStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.devices.Detect(r.Context()))
}

type exitRecoveryResponse struct {
	Message string       `json:"message"`
	State   device.State `json:"state"`
}

func (s *Server) handleExitRecovery(w http.ResponseWriter, r *http.Request) {
	state, err := s.devices.ExitRecovery(r.Context())
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, exitRecoveryResponse{Message: "Exit recovery command sent", State: state})
	case errors.Is(err, device.ErrNotInRecovery):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, device.ErrDeviceCommunication):
		writeError(w, http.StatusBadGateway, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

type firmwareResponse struct {
	Files []firmware.Image `json:"files"`
	Error string           `json:"error,omitempty"`
}

func (s *Server) handleListFirmware(w http.ResponseWriter, r *http.Request) {
	images, err := firmware.Scan(s.firmwareDir)
	resp := firmwareResponse{Files: images}
	if err != nil {
		resp.Error = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

// startRequest leaves the flags as pointers so omitted ones take the
// configured defaults.
type startRequest struct {
	IPSWFile        string `json:"ipswFile"`
	EraseData       *bool  `json:"eraseData"`
	ExcludeBaseband *bool  `json:"excludeBaseband"`
	DebugMode       *bool  `json:"debugMode"`
}

func (req startRequest) options(d Defaults) restore.Options {
	pick := func(v *bool, def bool) bool {
		if v == nil {
			return def
		}
		return *v
	}
	return restore.Options{
		ImagePath:       req.IPSWFile,
		EraseData:       pick(req.EraseData, d.EraseData),
		ExcludeBaseband: pick(req.ExcludeBaseband, d.ExcludeBaseband),
		DebugMode:       pick(req.DebugMode, d.DebugMode),
	}
}

type startResponse struct {
	ID      restore.Handle `json:"id"`
	Message string         `json:"message"`
}

func (s *Server) handleRestoreStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	h, err := s.restores.Start(r.Context(), req.options(s.defaults))
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, startResponse{ID: h, Message: "Restore started"})
	case errors.Is(err, restore.ErrAlreadyInProgress):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, restore.ErrImageNotFound):
		writeError(w, http.StatusBadRequest, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

type progressResponse struct {
	restore.Snapshot
	Completed bool                   `json:"completed"`
	Success   bool                   `json:"success"`
	Process   *executor.ProcessStats `json:"process,omitempty"`
}

func (s *Server) handleRestoreProgress(w http.ResponseWriter, r *http.Request) {
	snap := s.restores.Current()
	resp := progressResponse{
		Snapshot:  snap,
		Completed: snap.Completed(),
		Success:   snap.Succeeded(),
	}
	if snap.Active {
		if stats, err := s.restores.ProcessStats(snap.ID); err == nil {
			resp.Process = stats
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleRequest is the optional body of cancel and ack; an empty id targets
// the current operation.
type handleRequest struct {
	ID restore.Handle `json:"id"`
}

func (s *Server) targetHandle(w http.ResponseWriter, r *http.Request) (restore.Handle, bool) {
	var req handleRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return "", false
	}
	if req.ID == "" {
		req.ID = s.restores.Current().ID
	}
	return req.ID, true
}

func (s *Server) handleRestoreCancel(w http.ResponseWriter, r *http.Request) {
	h, ok := s.targetHandle(w, r)
	if !ok {
		return
	}
	switch err := s.restores.Cancel(h); {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"message": "Cancellation requested"})
	case errors.Is(err, restore.ErrNotRunning):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, restore.ErrUnknownOperation):
		writeError(w, http.StatusNotFound, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func (s *Server) handleRestoreAck(w http.ResponseWriter, r *http.Request) {
	h, ok := s.targetHandle(w, r)
	if !ok {
		return
	}
	switch err := s.restores.Acknowledge(h); {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"message": "Acknowledged"})
	case errors.Is(err, restore.ErrAlreadyInProgress):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, restore.ErrUnknownOperation):
		writeError(w, http.StatusNotFound, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

type logResponse struct {
	Entries []oplog.Entry `json:"entries"`
}

func (s *Server) handleLog(w http.ResponseWriter, r *http.Request) {
	since, err := parseSince(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	entries := s.logs.Since(since)
	if entries == nil {
		entries = []oplog.Entry{}
	}
	writeJSON(w, http.StatusOK, logResponse{Entries: entries})
}

func (s *Server) handleLogClear(w http.ResponseWriter, r *http.Request) {
	s.logs.Clear()
	writeJSON(w, http.StatusOK, map[string]string{"message": "Log cleared"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.health.Summary())
}

func parseSince(r *http.Request) (uint64, error) {
	raw := r.URL.Query().Get("since")
	if raw == "" {
		return 0, nil
	}
	since, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid since %q", raw)
	}
	return since, nil
}

// decodeBody decodes an optional JSON body. An empty body leaves v untouched.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}
