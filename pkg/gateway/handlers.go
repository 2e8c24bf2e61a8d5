package gateway

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/ngoyal88/searchlog/pkg/interceptor"
	"github.com/ngoyal88/searchlog/pkg/middleware"
	"github.com/ngoyal88/searchlog/pkg/proxy"
	"github.com/ngoyal88/searchlog/pkg/storage"
)

const defaultMaxBodyBytes = 10 << 20

// handleChatCompletions runs the request lifecycle:
// received → forwarding → streaming or completed → closed.
func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}

	req, err := interceptor.Parse(body, r.Header)
	if err != nil {
		s.logger.WithError(err).WithField("request_id", middleware.GetRequestID(r.Context())).
			Info("[GATEWAY] rejected malformed completion request")
		middleware.RespondError(w, http.StatusBadRequest, errorMessage(err), middleware.ErrTypeInvalidRequest, "")
		return
	}
	req.RequestID = requestID(r)

	pending := s.interceptor.Dispatch(r.Context(), req)
	res := s.forwarder.Forward(w, r, body)
	pending.Complete(outcome(req, res))
}

func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	limit := int64(defaultMaxBodyBytes)
	if cfg := s.cfg.Get(); cfg != nil && cfg.Server.MaxBodyBytes > 0 {
		limit = cfg.Server.MaxBodyBytes
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err == nil {
		return body, true
	}

	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		middleware.RespondError(w, http.StatusRequestEntityTooLarge,
			"Request body exceeds "+strconv.FormatInt(limit, 10)+" bytes.", middleware.ErrTypeInvalidRequest, "request_too_large")
	} else {
		middleware.RespondError(w, http.StatusBadRequest,
			"Could not read request body.", middleware.ErrTypeInvalidRequest, "")
	}
	return nil, false
}

// outcome maps how forwarding ended onto the search record status.
func outcome(req *interceptor.Request, res proxy.Result) interceptor.Outcome {
	o := interceptor.Outcome{UpstreamStatus: res.StatusCode, Err: res.Err}
	switch {
	case !res.OK():
		o.Status = storage.StatusFailure
	case res.Streamed && (req.Stream || res.EventStream):
		o.Status = storage.StatusStreamed
	default:
		o.Status = storage.StatusSuccess
	}
	return o
}

// handleLogSearch stores an explicitly submitted search. Unlike the
// completion path, storage errors are reported to the caller.
func (s *Server) handleLogSearch(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	if !gjson.ValidBytes(body) || !gjson.ParseBytes(body).IsObject() {
		respondDetail(w, http.StatusBadRequest, "body must be a JSON object")
		return
	}

	root := gjson.ParseBytes(body)
	ev := interceptor.Event{
		Header: r.Header,
		UserID: strings.TrimSpace(root.Get("user_id").String()),
		Email:  strings.TrimSpace(root.Get("email").String()),
		Name:   strings.TrimSpace(root.Get("name").String()),
		Query:  root.Get("query").String(),
		Model:  root.Get("metadata.model").String(),
	}
	ev.ConversationID = root.Get("metadata.conversation_id").String()
	if ts := root.Get("timestamp"); ts.Exists() && ts.Type != gjson.Null {
		parsed, err := time.Parse(time.RFC3339Nano, ts.String())
		if err != nil {
			respondDetail(w, http.StatusBadRequest, "timestamp must be RFC 3339")
			return
		}
		ev.Timestamp = parsed
	}
	if strings.TrimSpace(ev.Query) == "" {
		respondDetail(w, http.StatusBadRequest, "query is required")
		return
	}

	user, searchID, err := s.interceptor.Record(r.Context(), ev)
	if err != nil {
		s.logger.WithError(err).Error("[GATEWAY] log-search write failed")
		if errors.Is(err, storage.ErrInvalidKey) {
			respondDetail(w, http.StatusBadRequest, err.Error())
			return
		}
		respondDetail(w, http.StatusInternalServerError, "storage error: "+err.Error())
		return
	}

	out := []byte(`{"ok":true}`)
	out, _ = sjson.SetBytes(out, "search_id", searchID)
	out, _ = sjson.SetBytes(out, "user_id", user.Key)
	out, _ = sjson.SetBytes(out, "count", user.Count)
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, []byte(`{"status":"ok"}`))
}

func requestID(r *http.Request) string {
	if id := middleware.GetRequestID(r.Context()); id != "" {
		return id
	}
	return r.Header.Get(middleware.RequestIDHeader)
}

// errorMessage strips the sentinel prefix so clients see only the reason.
func errorMessage(err error) string {
	msg := err.Error()
	if rest, ok := strings.CutPrefix(msg, interceptor.ErrMalformedRequest.Error()+": "); ok {
		return rest
	}
	return msg
}

func respondDetail(w http.ResponseWriter, status int, detail string) {
	body, _ := sjson.SetBytes([]byte(`{}`), "detail", detail)
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(body); err != nil {
		log.WithError(err).Debug("[GATEWAY] client went away")
	}
}
