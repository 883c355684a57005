package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"mime"
	"net/http"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/michaelbrown/cellsrv/internal/dispatch"
	"github.com/michaelbrown/cellsrv/internal/logger"
	"github.com/michaelbrown/cellsrv/internal/relay"
	"github.com/michaelbrown/cellsrv/internal/sandbox"
	"github.com/michaelbrown/cellsrv/internal/storage"
	"github.com/michaelbrown/cellsrv/internal/supervisor"
)

const maxUploadBytes = 32 << 20

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

var callbackName = regexp.MustCompile(`^[A-Za-z_$][A-Za-z0-9_$.]*$`)

// writeJSONP wraps the JSON encoding of v as a string argument of callback,
// or writes plain JSON when callback is empty.
func writeJSONP(w http.ResponseWriter, callback string, v any) {
	if callback == "" {
		writeJSON(w, http.StatusOK, v)
		return
	}
	if !callbackName.MatchString(callback) {
		writeError(w, http.StatusBadRequest, "invalid callback name")
		return
	}
	body, err := json.Marshal(v)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	arg, _ := json.Marshal(string(body))
	w.Header().Set("Content-Type", "application/javascript")
	fmt.Fprintf(w, "%s(%s)", callback, arg)
}

// statusFor maps package errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, relay.ErrTooManyFiles),
		errors.Is(err, relay.ErrEmptyCode),
		errors.Is(err, relay.ErrBadFilename),
		errors.Is(err, sandbox.ErrUnsupportedLimit):
		return http.StatusBadRequest
	case errors.Is(err, storage.ErrNotFound),
		errors.Is(err, supervisor.ErrUnknownWorker),
		errors.Is(err, dispatch.ErrNotRunning):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrSessionClosed),
		errors.Is(err, supervisor.ErrWorkerExists):
		return http.StatusConflict
	case errors.Is(err, dispatch.ErrQueueFull),
		errors.Is(err, dispatch.ErrClosed),
		errors.Is(err, supervisor.ErrCapacity):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		logger.Error(r.Context(), "request failed", zap.String("path", r.URL.Path), zap.Error(err))
	}
	writeError(w, status, err.Error())
}

func parseForm(r *http.Request) error {
	err := r.ParseMultipartForm(maxUploadBytes)
	if errors.Is(err, http.ErrNotMultipart) {
		return r.ParseForm()
	}
	return err
}

func intParam(r *http.Request, name string, def int) (int, error) {
	v := r.FormValue(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", name)
	}
	return n, nil
}

// secondsParam reads a timeout given in (possibly fractional) seconds,
// capped at limit.
func secondsParam(r *http.Request, name string, limit time.Duration) (time.Duration, error) {
	v := r.FormValue(name)
	if v == "" {
		return 0, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f < 0 || math.IsNaN(f) {
		return 0, fmt.Errorf("%s must be a number of seconds", name)
	}
	if f >= limit.Seconds() {
		return limit, nil
	}
	return time.Duration(f * float64(time.Second)), nil
}

// --- Relay handlers ---

var shortenedChars = regexp.MustCompile(`^[A-Za-z0-9-]+$`)

type rootResponse struct {
	Code     string `json:"code,omitempty"`
	AutoEval bool   `json:"autoeval"`
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var resp rootResponse

	switch {
	case q.Has("c"):
		resp.Code = q.Get("c")
	case q.Has("z"):
		code, err := relay.DecodeCode(q.Get("z"))
		if err != nil {
			resp.Code = "# Error decompressing code: " + err.Error()
		} else {
			resp.Code = code
		}
	case q.Has("q") && shortenedChars.MatchString(q.Get("q")):
		in, err := s.relay.Input(r.Context(), q.Get("q"))
		if err != nil {
			fail(w, r, err)
			return
		}
		resp.Code = in.Content.Code
	}
	if resp.Code != "" {
		resp.AutoEval = q.Get("autoeval") != "false"
	}
	writeJSON(w, http.StatusOK, resp)
}

// inputEnvelope is the JSON form of an execute request posted as "message".
type inputEnvelope struct {
	Header struct {
		MsgID    string `json:"msg_id"`
		Session  string `json:"session"`
		Username string `json:"username"`
	} `json:"header"`
	Content struct {
		Code     string `json:"code"`
		Silent   bool   `json:"silent"`
		SageMode bool   `json:"sage_mode"`
	} `json:"content"`
}

func (s *Server) handleEval(w http.ResponseWriter, r *http.Request) {
	if err := parseForm(r); err != nil {
		writeError(w, http.StatusBadRequest, "invalid form: "+err.Error())
		return
	}

	var req relay.SubmitRequest
	if raw := r.FormValue("message"); raw != "" {
		var env inputEnvelope
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			writeError(w, http.StatusBadRequest, "invalid message: "+err.Error())
			return
		}
		req = relay.SubmitRequest{
			Session:  env.Header.Session,
			MsgID:    env.Header.MsgID,
			Username: env.Header.Username,
			Code:     env.Content.Code,
			Silent:   env.Content.Silent,
			Flags:    map[string]bool{"sage_mode": env.Content.SageMode},
		}
	} else {
		var code string
		if err := json.Unmarshal([]byte(r.FormValue("commands")), &code); err != nil {
			writeError(w, http.StatusBadRequest, "commands must be a JSON string")
			return
		}
		files, err := uploadedFiles(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		req = relay.SubmitRequest{
			Session: r.FormValue("session"),
			MsgID:   r.FormValue("msg_id"),
			Code:    code,
			Files:   files,
			Flags:   map[string]bool{"sage_mode": r.Form.Has("sage_mode")},
		}
	}

	sub, err := s.relay.Submit(r.Context(), req)
	if err != nil {
		fail(w, r, err)
		return
	}

	if r.FormValue("frame") != "" {
		body, _ := json.Marshal(sub)
		arg, _ := json.Marshal(string(body))
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprintf(w, "<script>parent.postMessage(%s,\"*\");</script>", arg)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func uploadedFiles(r *http.Request) ([]relay.File, error) {
	if r.MultipartForm == nil {
		return nil, nil
	}
	var files []relay.File
	for _, fh := range r.MultipartForm.File["file"] {
		f, err := fh.Open()
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", fh.Filename, err)
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", fh.Filename, err)
		}
		files = append(files, relay.File{Name: fh.Filename, Data: data})
	}
	return files, nil
}

type pollResponse struct {
	Content []storage.OutputMessage `json:"content"`
}

func (s *Server) handleOutputPoll(w http.ResponseWriter, r *http.Request) {
	session := r.FormValue("computation_id")
	if session == "" {
		writeError(w, http.StatusBadRequest, "computation_id is required")
		return
	}
	seq, err := intParam(r, "sequence", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	msgs, err := s.relay.Poll(r.Context(), session, seq)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSONP(w, r.FormValue("callback"), pollResponse{Content: msgs})
}

func (s *Server) handleOutputLongPoll(w http.ResponseWriter, r *http.Request) {
	session := r.FormValue("computation_id")
	if session == "" {
		writeError(w, http.StatusBadRequest, "computation_id is required")
		return
	}
	seq, err := intParam(r, "sequence", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	timeout, err := secondsParam(r, "timeout", s.relay.MaxWait())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	msgs, err := s.relay.LongPoll(r.Context(), session, seq, timeout)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSONP(w, r.FormValue("callback"), pollResponse{Content: msgs})
}

func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	session := chiParam(r, "session")
	name := chiParam(r, "filename")

	data, err := s.relay.File(r.Context(), session, name)
	if err != nil {
		fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", contentType(name))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Write(data)
}

func contentType(name string) string {
	if t := mime.TypeByExtension(filepath.Ext(name)); t != "" {
		return t
	}
	return "application/octet-stream"
}

type serviceResponse struct {
	Output  string `json:"output"`
	Success bool   `json:"success"`
}

func (s *Server) handleService(w http.ResponseWriter, r *http.Request) {
	if err := parseForm(r); err != nil {
		writeError(w, http.StatusBadRequest, "invalid form: "+err.Error())
		return
	}
	code := r.FormValue("code")
	if code == "" {
		writeError(w, http.StatusBadRequest, "code is required")
		return
	}
	timeout, err := secondsParam(r, "timeout", s.relay.MaxWait())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	out, ok, err := s.relay.RunSynchronous(r.Context(), code, timeout)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, serviceResponse{Output: out, Success: ok})
}

func (s *Server) handleInterrupt(w http.ResponseWriter, r *http.Request) {
	session := r.FormValue("computation_id")
	if session == "" {
		writeError(w, http.StatusBadRequest, "computation_id is required")
		return
	}
	ok, err := s.runner.Interrupt(session)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"interrupted": ok})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.runner.Stats())
}
