package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"code.cloudfoundry.org/lager/v3"
	"github.com/gorilla/mux"

	"github.com/sandboxd/sandboxd/sandbox"
	"github.com/sandboxd/sandboxd/sandbox/coordinator"
	"github.com/sandboxd/sandboxd/sandbox/filestore"
)

// Server is the HTTP surface over a Coordinator and a file Store. It holds
// no sandbox state of its own: every request is marshaled onto one of the
// two and the result re-marshaled back onto the wire.
type Server struct {
	logger         lager.Logger
	coordinator    *coordinator.Coordinator
	store          *filestore.Store
	maxUploadBytes int
	defaults       defaults
}

// NewServer returns a Server wired to the given Coordinator and Store.
// maxUploadBytes bounds a single upload's size; the per-request defaults
// fill in max_output_bytes/cpu_time_limit_sec/memory_limit_mb when a
// caller's ExecuteRequest omits them.
func NewServer(
	logger lager.Logger,
	coord *coordinator.Coordinator,
	store *filestore.Store,
	maxUploadBytes int,
	maxOutputBytes int,
	cpuTimeLimitSec int,
	memoryLimitMB int,
) *Server {
	return &Server{
		logger:         logger,
		coordinator:    coord,
		store:          store,
		maxUploadBytes: maxUploadBytes,
		defaults: defaults{
			MaxOutputBytes:  maxOutputBytes,
			CPUTimeLimitSec: cpuTimeLimitSec,
			MemoryLimitMB:   memoryLimitMB,
		},
	}
}

// Router builds the gorilla/mux router serving every sandboxd endpoint.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/api/v1/executions", s.handleExecute).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/executions/stream", s.handleExecuteStream).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/files", s.handleUpload).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/files", s.handleListFiles).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/files/{id}", s.handleDownload).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/files/{id}", s.handleDeleteFile).Methods(http.MethodDelete)
	return r
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	log := s.logger.Session("handle-execute")

	var wire executeRequestWire
	if err := json.NewDecoder(r.Body).Decode(&wire); err != nil {
		writeError(w, http.StatusBadRequest, errorWire{Kind: "InvalidRequest", Message: err.Error()})
		return
	}

	req := toExecuteRequest(wire, s.defaults)
	resp, err := s.coordinator.Execute(r.Context(), req)
	if err != nil {
		log.Error("execute-failed", err)
		status, body := fromErr(err)
		writeError(w, status, body)
		return
	}

	writeJSON(w, http.StatusOK, fromExecuteResponse(resp))
}

// handleExecuteStream serves execution output as Server-Sent Events:
// "output" events carry a stream name and a decoded text chunk; exactly
// one terminal "result" event, always last, carries the same summary
// fields handleExecute returns.
func (s *Server) handleExecuteStream(w http.ResponseWriter, r *http.Request) {
	log := s.logger.Session("handle-execute-stream")

	var wire executeRequestWire
	if err := json.NewDecoder(r.Body).Decode(&wire); err != nil {
		writeError(w, http.StatusBadRequest, errorWire{Kind: "InvalidRequest", Message: err.Error()})
		return
	}

	req := toExecuteRequest(wire, s.defaults)
	events, err := s.coordinator.ExecuteStream(r.Context(), req)
	if err != nil {
		log.Error("execute-stream-failed", err)
		status, body := fromErr(err)
		writeError(w, status, body)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errorWire{Kind: "Internal", Message: "streaming unsupported"})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	for ev := range events {
		var name string
		var payload streamEventWire
		switch ev.Kind {
		case sandbox.EventStdout:
			name, payload = "output", streamEventWire{Stream: "stdout", Chunk: ev.Chunk}
		case sandbox.EventStderr:
			name, payload = "output", streamEventWire{Stream: "stderr", Chunk: ev.Chunk}
		case sandbox.EventResult:
			var respWire executeResponseWire
			if ev.Response != nil {
				respWire = fromExecuteResponse(*ev.Response)
			}
			name, payload = "result", streamEventWire{Response: &respWire}
		default:
			continue
		}
		data, err := json.Marshal(payload)
		if err != nil {
			continue
		}
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data)
		flusher.Flush()
	}
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	log := s.logger.Session("handle-upload")

	if err := r.ParseMultipartForm(int64(s.maxUploadBytes) + 1<<20); err != nil {
		writeError(w, http.StatusBadRequest, errorWire{Kind: "InvalidRequest", Message: err.Error()})
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, errorWire{Kind: "InvalidRequest", Message: err.Error()})
		return
	}
	defer file.Close()

	content, err := io.ReadAll(io.LimitReader(file, int64(s.maxUploadBytes)+1))
	if err != nil {
		log.Error("read-upload-failed", err)
		writeError(w, http.StatusInternalServerError, errorWire{Kind: "Internal", Message: err.Error()})
		return
	}
	if len(content) > s.maxUploadBytes {
		sErr := sandbox.FileTooLargeError(len(content), s.maxUploadBytes)
		status, body := fromErr(sErr)
		writeError(w, status, body)
		return
	}

	id, err := s.store.Put(r.Context(), content, header.Filename)
	if err != nil {
		log.Error("put-failed", err)
		writeError(w, http.StatusInternalServerError, errorWire{Kind: "Internal", Message: err.Error()})
		return
	}

	writeJSON(w, http.StatusCreated, fileRecordWire{
		FileID:     id,
		Filename:   header.Filename,
		SizeBytes:  len(content),
		UploadTime: float64(time.Now().UnixNano()) / 1e9,
	})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	content, meta, err := s.store.Get(r.Context(), id)
	if err != nil {
		if _, ok := err.(*sandbox.NotFound); ok {
			writeError(w, http.StatusNotFound, errorWire{Kind: string(sandbox.KindUnknownFile), Message: err.Error()})
			return
		}
		writeError(w, http.StatusInternalServerError, errorWire{Kind: "Internal", Message: err.Error()})
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", meta.Filename))
	w.WriteHeader(http.StatusOK)
	w.Write(content)
}

func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	existed, err := s.store.Delete(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, errorWire{Kind: "Internal", Message: err.Error()})
		return
	}
	if !existed {
		writeError(w, http.StatusNotFound, errorWire{Kind: string(sandbox.KindUnknownFile), Message: "file not found"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	metas, err := s.store.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, errorWire{Kind: "Internal", Message: err.Error()})
		return
	}
	out := make([]fileRecordWire, 0, len(metas))
	for _, m := range metas {
		out = append(out, fromMetadata(m.FileID, m))
	}
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, body errorWire) {
	writeJSON(w, status, body)
}
