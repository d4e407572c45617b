// Package relayapi exposes the relay protocol over HTTP and the optional websocket watch.
package relayapi

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"screenrelay/cmd/internal/relay"
	v1 "screenrelay/shared/contracts/relay/v1"

	"github.com/go-playground/validator"
)

const (
	defaultMaxUploadBytes = 32 << 20 // 32 MiB of base64 text
	maxControlBodyBytes   = 16 << 10
	defaultViewerPath     = "/mobile"
)

// Handler wires HTTP endpoints to the relay Service.
type Handler struct {
	log      *slog.Logger
	svc      *relay.Service
	validate *validator.Validate

	maxUploadBytes int64
	publicURL      string
	viewerPath     string

	watch *WatchGateway
}

// HandlerOption configures optional handler settings.
type HandlerOption func(*Handler)

// WithMaxUploadBytes caps upload request bodies.
func WithMaxUploadBytes(n int64) HandlerOption {
	return func(h *Handler) {
		if n > 0 {
			h.maxUploadBytes = n
		}
	}
}

// WithPublicURL sets the externally reachable base URL reported by /link.
func WithPublicURL(base, viewerPath string) HandlerOption {
	return func(h *Handler) {
		h.publicURL = strings.TrimRight(base, "/")
		if viewerPath != "" {
			h.viewerPath = "/" + strings.TrimLeft(viewerPath, "/")
		}
	}
}

// WithWatchGateway enables GET /requests/{id}:watch.
func WithWatchGateway(g *WatchGateway) HandlerOption {
	return func(h *Handler) {
		h.watch = g
	}
}

// NewHandler constructs a relay HTTP handler.
func NewHandler(log *slog.Logger, svc *relay.Service, opts ...HandlerOption) (*Handler, error) {
	if svc == nil {
		return nil, errors.New("relayapi: nil service")
	}
	if log == nil {
		log = slog.Default()
	}

	h := &Handler{
		log:            log,
		svc:            svc,
		validate:       validator.New(),
		maxUploadBytes: defaultMaxUploadBytes,
		viewerPath:     defaultViewerPath,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(h)
	}
	return h, nil
}

// Register wires relay routes onto the provided mux.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.HandleFunc(v1.PathRequests, h.handleCreate)
	mux.HandleFunc(v1.PathPending, h.handlePending)
	mux.HandleFunc(v1.PathRequests+"/", h.handleRequest)
	mux.HandleFunc("/link", h.handleLink)
}

// ---- handlers ----

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, v1.CodeMethodNotAllowed, "use POST")
		return
	}

	var in v1.CreateRequest
	if err := decodeJSON(w, r, maxControlBodyBytes, &in); err != nil && !errors.Is(err, io.EOF) {
		writeDecodeError(w, err)
		return
	}

	req, err := h.svc.Create(r.Context(), in.RequesterID)
	if err != nil {
		h.internalError(w, "relay.create.fail", err)
		return
	}

	writeJSON(w, http.StatusOK, v1.CreateResponse{RequestID: req.ID, Status: v1.StatusCreated})
}

func (h *Handler) handlePending(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, v1.CodeMethodNotAllowed, "use GET")
		return
	}

	claimed, err := h.svc.PollPending(r.Context())
	if err != nil {
		h.internalError(w, "relay.pending.fail", err)
		return
	}

	out := v1.PendingResponse{
		HasRequests: len(claimed) > 0,
		Requests:    make([]v1.PendingRequest, 0, len(claimed)),
	}
	for _, c := range claimed {
		out.Requests = append(out.Requests, v1.PendingRequest{
			RequestID:   c.ID,
			RequesterID: c.RequesterID,
			CreatedAt:   c.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// handleRequest routes /requests/{id}[:verb].
func (h *Handler) handleRequest(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, v1.PathRequests+"/")
	id, verb, err := v1.SplitRequestPath(rest)
	if err != nil {
		writeError(w, http.StatusNotFound, v1.CodeNotFound, "unknown route")
		return
	}

	switch verb {
	case "":
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, v1.CodeMethodNotAllowed, "use GET")
			return
		}
		h.handlePollResult(w, r, id)
	case v1.VerbUpload:
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, v1.CodeMethodNotAllowed, "use POST")
			return
		}
		h.handleUpload(w, r, id)
	case v1.VerbWatch:
		if h.watch == nil {
			writeError(w, http.StatusNotImplemented, v1.CodeWatchDisabled, "watch disabled; poll the request instead")
			return
		}
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, v1.CodeMethodNotAllowed, "use GET")
			return
		}
		h.watch.serveWatch(w, r, id)
	default:
		writeError(w, http.StatusNotFound, v1.CodeNotFound, "unknown route")
	}
}

func (h *Handler) handleUpload(w http.ResponseWriter, r *http.Request, id string) {
	var in v1.UploadRequest
	if err := decodeJSON(w, r, h.maxUploadBytes, &in); err != nil {
		if errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, v1.CodeBadRequest, "missing body")
			return
		}
		writeDecodeError(w, err)
		return
	}
	if err := h.validate.Struct(in); err != nil {
		writeError(w, http.StatusBadRequest, v1.CodeBadRequest, "payload is required")
		return
	}
	if in.RequestID != "" && in.RequestID != id {
		writeError(w, http.StatusBadRequest, v1.CodeIDMismatch, "body requestId does not match path")
		return
	}

	err := h.svc.Upload(r.Context(), id, in.Payload)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, v1.UploadResponse{Status: v1.StatusUploaded})
	case errors.Is(err, relay.ErrNotFound):
		writeError(w, http.StatusNotFound, v1.CodeNotFound, "Request not found")
	case errors.Is(err, relay.ErrEmptyPayload):
		writeError(w, http.StatusBadRequest, v1.CodeBadRequest, "payload is required")
	default:
		h.internalError(w, "relay.upload.fail", err)
	}
}

func (h *Handler) handlePollResult(w http.ResponseWriter, r *http.Request, id string) {
	res, err := h.svc.PollResult(r.Context(), id)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, toResultResponse(res))
	case errors.Is(err, relay.ErrNotFound):
		writeError(w, http.StatusNotFound, v1.CodeNotFound, "Request not found")
	default:
		h.internalError(w, "relay.poll_result.fail", err)
	}
}

func (h *Handler) handleLink(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, v1.CodeMethodNotAllowed, "use GET")
		return
	}
	base := h.publicURL
	if base == "" {
		base = "http://" + r.Host
	}
	writeJSON(w, http.StatusOK, v1.LinkResponse{
		ViewerURL: base + h.viewerPath,
		RelayURL:  base,
	})
}

func (h *Handler) internalError(w http.ResponseWriter, event string, err error) {
	h.log.Error(event, "err", err)
	writeError(w, http.StatusInternalServerError, v1.CodeInternal, "internal error")
}

func toResultResponse(res relay.Result) v1.ResultResponse {
	out := v1.ResultResponse{Status: res.State.String()}
	if res.State == relay.StateCompleted {
		out.Payload = res.Payload
	}
	return out
}
