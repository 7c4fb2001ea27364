// Package handlers implements the HTTP endpoints of the API server.
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/3leaps/nimbusaccess/internal/apperrors"
	"github.com/3leaps/nimbusaccess/pkg/content"
	"github.com/3leaps/nimbusaccess/pkg/credential"
	"github.com/3leaps/nimbusaccess/pkg/listing"
	"github.com/3leaps/nimbusaccess/pkg/objectstore"
	"github.com/3leaps/nimbusaccess/pkg/policy"
	"github.com/3leaps/nimbusaccess/pkg/provider"
	"github.com/3leaps/nimbusaccess/pkg/s3path"
	"github.com/3leaps/nimbusaccess/pkg/transfer"
)

// maxDeletePaths caps paths per bulk delete request.
const maxDeletePaths = 10000

// Store is the access layer the object endpoints serve. *objectstore.Adapter
// satisfies it.
type Store interface {
	List(ctx context.Context, path string) (*listing.Result, error)
	Upload(ctx context.Context, path string, body io.Reader, opts objectstore.UploadOptions) (*transfer.UploadResult, error)
	DeleteOne(ctx context.Context, path string) error
	DeleteMany(ctx context.Context, paths []string) (transfer.DeleteResults, error)
	GetDownloadURL(ctx context.Context, path string, ttl time.Duration) (*transfer.PresignedURL, error)
	Stat(ctx context.Context, path string) (*provider.ObjectMeta, error)
	GetContent(ctx context.Context, path string, rng *content.Range) (io.ReadCloser, *provider.ObjectMeta, error)
	GetContentType(ctx context.Context, path string) (string, error)
	SetPathAccessPolicy(ctx context.Context, path string, access objectstore.Access) (*policy.Document, error)
	GetToken(ctx context.Context, forceRenew bool) (*credential.Credential, error)
	InvalidateScope(ctx context.Context) error
}

var _ Store = (*objectstore.Adapter)(nil)

// Objects serves the object and policy endpoints, and the admin endpoints for
// the credential scope.
type Objects struct {
	store          Store
	logger         *zap.Logger
	bucketAllowed  func(string) bool
	maxUploadBytes int64
}

// ObjectsOption configures Objects.
type ObjectsOption func(*Objects)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) ObjectsOption {
	return func(h *Objects) {
		if l != nil {
			h.logger = l
		}
	}
}

// WithBucketFilter restricts the buckets requests may address.
func WithBucketFilter(allowed func(bucket string) bool) ObjectsOption {
	return func(h *Objects) {
		if allowed != nil {
			h.bucketAllowed = allowed
		}
	}
}

// WithMaxUploadBytes caps upload bodies. Zero or negative means no cap.
func WithMaxUploadBytes(n int64) ObjectsOption {
	return func(h *Objects) {
		h.maxUploadBytes = n
	}
}

// NewObjects creates the object endpoints over store.
func NewObjects(store Store, opts ...ObjectsOption) *Objects {
	h := &Objects{
		store:         store,
		logger:        zap.NewNop(),
		bucketAllowed: func(string) bool { return true },
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes registers the object and policy endpoints on r.
func (h *Objects) Routes(r chi.Router) {
	r.Get("/v1/objects", h.List)
	r.Put("/v1/objects", h.Upload)
	r.Delete("/v1/objects", h.Delete)
	r.Post("/v1/objects:delete", h.DeleteMany)
	r.Get("/v1/objects/url", h.DownloadURL)
	r.Get("/v1/objects/content", h.Content)
	r.Head("/v1/objects/content", h.Content)
	r.Get("/v1/objects/content-type", h.ContentType)
	r.Put("/v1/policy", h.SetPolicy)
}

// AdminRoutes registers the endpoints that hand out or drop credentials.
// Callers guard r with authentication.
func (h *Objects) AdminRoutes(r chi.Router) {
	r.Get("/v1/token", h.Token)
	r.Post("/v1/session/reset", h.ResetSession)
}

// List serves GET /v1/objects?path=bucket/prefix/.
func (h *Objects) List(w http.ResponseWriter, r *http.Request) {
	path, err := h.pathParam(r)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	res, err := h.store.List(r.Context(), path)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// UploadResponse describes a stored object.
type UploadResponse struct {
	Path        string `json:"path"`
	Size        int64  `json:"size"`
	ETag        string `json:"etag,omitempty"`
	ContentType string `json:"content_type"`
	Parts       int    `json:"parts"`
}

// Upload serves PUT /v1/objects?path=bucket/key with the object as body.
func (h *Objects) Upload(w http.ResponseWriter, r *http.Request) {
	path, err := h.pathParam(r)
	if err != nil {
		respondWithError(w, r, err)
		return
	}

	body := io.Reader(r.Body)
	if h.maxUploadBytes > 0 {
		if r.ContentLength > h.maxUploadBytes {
			respondWithError(w, r, &http.MaxBytesError{Limit: h.maxUploadBytes})
			return
		}
		body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	}

	res, err := h.store.Upload(r.Context(), path, body, objectstore.UploadOptions{
		Size:        r.ContentLength,
		ContentType: r.Header.Get("Content-Type"),
	})
	if err != nil {
		respondWithError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, UploadResponse{
		Path:        res.Path.URI(),
		Size:        res.Size,
		ETag:        res.ETag,
		ContentType: res.ContentType,
		Parts:       res.Parts,
	})
}

// Delete serves DELETE /v1/objects?path=bucket/key.
func (h *Objects) Delete(w http.ResponseWriter, r *http.Request) {
	path, err := h.pathParam(r)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	if err := h.store.DeleteOne(r.Context(), path); err != nil {
		respondWithError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeleteManyRequest is the body of POST /v1/objects:delete.
type DeleteManyRequest struct {
	Paths []string `json:"paths"`
}

// DeleteOutcome is the result for one path.
type DeleteOutcome struct {
	Path     string `json:"path"`
	Deleted  bool   `json:"deleted"`
	Fallback bool   `json:"fallback,omitempty"`
	Error    string `json:"error,omitempty"`
	Code     string `json:"code,omitempty"`
}

// DeleteManyResponse lists per-path outcomes in request order.
type DeleteManyResponse struct {
	Results []DeleteOutcome `json:"results"`
	Failed  int             `json:"failed"`
}

// DeleteMany serves POST /v1/objects:delete. It answers 207 when some paths
// failed.
func (h *Objects) DeleteMany(w http.ResponseWriter, r *http.Request) {
	var req DeleteManyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, r, apperrors.InvalidArgument("invalid JSON body: "+err.Error()))
		return
	}
	switch {
	case len(req.Paths) == 0:
		respondWithError(w, r, apperrors.InvalidArgument("paths must not be empty"))
		return
	case len(req.Paths) > maxDeletePaths:
		respondWithError(w, r, apperrors.InvalidArgument(fmt.Sprintf("at most %d paths per request", maxDeletePaths)))
		return
	}
	for _, p := range req.Paths {
		if err := h.checkBucket(p); err != nil {
			respondWithError(w, r, err)
			return
		}
	}

	results, err := h.store.DeleteMany(r.Context(), req.Paths)
	if err != nil {
		respondWithError(w, r, err)
		return
	}

	resp := DeleteManyResponse{Results: make([]DeleteOutcome, 0, len(results))}
	for _, res := range results {
		out := DeleteOutcome{Path: res.Path.URI(), Deleted: res.Err == nil, Fallback: res.Fallback}
		if res.Err != nil {
			_, out.Code = apperrors.Classify(res.Err)
			out.Error = res.Err.Error()
			resp.Failed++
		}
		resp.Results = append(resp.Results, out)
	}

	status := http.StatusOK
	if resp.Failed > 0 {
		status = http.StatusMultiStatus
		h.logger.Warn("Bulk delete finished with failures",
			zap.Int("requested", len(req.Paths)),
			zap.Int("failed", resp.Failed))
	}
	writeJSON(w, status, resp)
}

// DownloadURL serves GET /v1/objects/url?path=bucket/key&ttl=15m.
func (h *Objects) DownloadURL(w http.ResponseWriter, r *http.Request) {
	path, err := h.pathParam(r)
	if err != nil {
		respondWithError(w, r, err)
		return
	}

	var ttl time.Duration
	if raw := r.URL.Query().Get("ttl"); raw != "" {
		ttl, err = time.ParseDuration(raw)
		if err != nil || ttl <= 0 {
			respondWithError(w, r, apperrors.InvalidArgument(fmt.Sprintf("invalid ttl %q", raw)))
			return
		}
		if ttl > transfer.MaxPresignTTL {
			respondWithError(w, r, apperrors.InvalidArgument(fmt.Sprintf("ttl exceeds %s", transfer.MaxPresignTTL)))
			return
		}
	}

	u, err := h.store.GetDownloadURL(r.Context(), path, ttl)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// Content serves GET and HEAD /v1/objects/content?path=bucket/key. A Range
// header selects a byte range and yields 206.
func (h *Objects) Content(w http.ResponseWriter, r *http.Request) {
	path, err := h.pathParam(r)
	if err != nil {
		respondWithError(w, r, err)
		return
	}

	if r.Method == http.MethodHead {
		meta, err := h.store.Stat(r.Context(), path)
		if err != nil {
			respondWithError(w, r, err)
			return
		}
		setObjectHeaders(w, meta)
		w.WriteHeader(http.StatusOK)
		return
	}

	var rng *content.Range
	if raw := r.Header.Get("Range"); raw != "" {
		parsed, err := content.ParseRange(raw)
		if err != nil {
			respondWithError(w, r, apperrors.InvalidArgument(err.Error()))
			return
		}
		rng = &parsed
	}

	body, meta, err := h.store.GetContent(r.Context(), path, rng)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	defer func() { _ = body.Close() }()

	setObjectHeaders(w, meta)
	status := http.StatusOK
	if rng != nil {
		status = http.StatusPartialContent
		w.Header().Set("Content-Range", contentRange(*rng, meta))
	}
	w.WriteHeader(status)
	if _, err := io.Copy(w, body); err != nil {
		h.logger.Debug("Content stream interrupted", zap.String("path", path), zap.Error(err))
	}
}

// ContentType serves GET /v1/objects/content-type?path=bucket/key.
func (h *Objects) ContentType(w http.ResponseWriter, r *http.Request) {
	path, err := h.pathParam(r)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	ct, err := h.store.GetContentType(r.Context(), path)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"path": path, "content_type": ct})
}

// PolicyRequest is the body of PUT /v1/policy.
type PolicyRequest struct {
	Path   string `json:"path"`
	Access string `json:"access"`
}

// SetPolicy serves PUT /v1/policy and returns the resulting policy document.
func (h *Objects) SetPolicy(w http.ResponseWriter, r *http.Request) {
	var req PolicyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, r, apperrors.InvalidArgument("invalid JSON body: "+err.Error()))
		return
	}
	if req.Path == "" {
		respondWithError(w, r, apperrors.InvalidArgument("path is required"))
		return
	}
	access, err := objectstore.ParseAccess(req.Access)
	if err != nil {
		respondWithError(w, r, apperrors.InvalidArgument(err.Error()))
		return
	}
	if err := h.checkBucket(req.Path); err != nil {
		respondWithError(w, r, err)
		return
	}

	doc, err := h.store.SetPathAccessPolicy(r.Context(), req.Path, access)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// TokenResponse carries the current storage credential.
type TokenResponse struct {
	Anonymous  bool                   `json:"anonymous"`
	Credential *credential.Credential `json:"credential,omitempty"`
}

// Token serves GET /v1/token?renew=true.
func (h *Objects) Token(w http.ResponseWriter, r *http.Request) {
	renew := false
	if raw := r.URL.Query().Get("renew"); raw != "" {
		var err error
		renew, err = strconv.ParseBool(raw)
		if err != nil {
			respondWithError(w, r, apperrors.InvalidArgument(fmt.Sprintf("invalid renew %q", raw)))
			return
		}
	}

	cred, err := h.store.GetToken(r.Context(), renew)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, TokenResponse{Anonymous: cred == nil, Credential: cred})
}

// ResetSession serves POST /v1/session/reset.
func (h *Objects) ResetSession(w http.ResponseWriter, r *http.Request) {
	if err := h.store.InvalidateScope(r.Context()); err != nil {
		respondWithError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Objects) pathParam(r *http.Request) (string, error) {
	path := r.URL.Query().Get("path")
	if path == "" {
		return "", apperrors.InvalidArgument("path query parameter is required")
	}
	return path, h.checkBucket(path)
}

func (h *Objects) checkBucket(path string) error {
	bucket := s3path.Parse(path).Bucket
	if bucket != "" && !h.bucketAllowed(bucket) {
		return apperrors.Forbidden(fmt.Sprintf("bucket %q is not served", bucket))
	}
	return nil
}

func setObjectHeaders(w http.ResponseWriter, meta *provider.ObjectMeta) {
	h := w.Header()
	if meta.ContentType != "" {
		h.Set("Content-Type", meta.ContentType)
	}
	h.Set("Content-Length", strconv.FormatInt(meta.Size, 10))
	if meta.ETag != "" {
		h.Set("ETag", strconv.Quote(meta.ETag))
	}
	if !meta.LastModified.IsZero() {
		h.Set("Last-Modified", meta.LastModified.UTC().Format(http.TimeFormat))
	}
}

// contentRange prefers the range the store reported. Otherwise it is derived
// from the requested start and the part length, with the total size unknown.
func contentRange(rng content.Range, meta *provider.ObjectMeta) string {
	if meta.ContentRange != "" {
		return meta.ContentRange
	}
	return fmt.Sprintf("bytes %d-%d/*", rng.Start, rng.Start+meta.Size-1)
}

func respondWithError(w http.ResponseWriter, r *http.Request, err error) {
	apperrors.RespondWithError(w, r, err)
}
