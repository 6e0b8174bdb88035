package controlapi

import (
	"errors"
	"io"
	"io/fs"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/chango112595-cell/Aurora-x-sub008/pkg/approval"
	"github.com/chango112595-cell/Aurora-x-sub008/pkg/artifact"
	"github.com/chango112595-cell/Aurora-x-sub008/pkg/journal"
	"github.com/chango112595-cell/Aurora-x-sub008/pkg/launcher"
	"github.com/chango112595-cell/Aurora-x-sub008/pkg/procmgr"
	"github.com/chango112595-cell/Aurora-x-sub008/pkg/updater"
)

const (
	defaultEventLimit = 100
	maxEventLimit     = 1000
)

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Error      string `json:"error"`
	Kind       string `json:"kind,omitempty"`
	Hash       string `json:"hash,omitempty"`
	Target     string `json:"target,omitempty"`
	RolledBack *bool  `json:"rolled_back,omitempty"`
	Suggestion string `json:"suggestion,omitempty"`
}

// ApproveRequest is the body of POST /approve. File is a suggestion name or
// an artifact hash.
type ApproveRequest struct {
	File        string `json:"file" binding:"required"`
	SignedToken string `json:"signed_token" binding:"required"`
}

// RejectRequest is the body of POST /reject
type RejectRequest struct {
	File   string `json:"file" binding:"required"`
	Reason string `json:"reason"`
}

// RequestApprovalRequest is the body of POST /request-approval
type RequestApprovalRequest struct {
	Hash    string            `json:"hash" binding:"required"`
	Context map[string]string `json:"context"`
}

// PluginInfo is the /plugins view of a manifest
type PluginInfo struct {
	Name        string   `json:"name"`
	Dir         string   `json:"dir"`
	EntryPoint  string   `json:"entry_point"`
	Args        []string `json:"args,omitempty"`
	Version     string   `json:"version,omitempty"`
	Description string   `json:"description,omitempty"`
	Restart     bool     `json:"restart_on_crash"`
	Isolation   string   `json:"isolation"`
}

func (s *Server) handleHealth(c *gin.Context) {
	body := gin.H{"status": "ok"}
	if s.services != nil {
		health := s.services.Health()
		body["services"] = health
		if !health.Healthy() {
			body["status"] = "degraded"
		}
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) handleList(c *gin.Context) {
	hashes, err := s.updater.ListStaged()
	if err != nil {
		s.fail(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"artifacts": hashes})
}

func (s *Server) handleSuggestions(c *gin.Context) {
	pending, err := s.updater.Pending()
	if err != nil {
		s.fail(c, http.StatusInternalServerError, err)
		return
	}
	names := make([]string, 0, len(pending))
	for _, p := range pending {
		names = append(names, p.Name)
	}
	if c.Query("detail") == "true" {
		c.JSON(http.StatusOK, gin.H{"suggestions": names, "detail": pending})
		return
	}
	c.JSON(http.StatusOK, gin.H{"suggestions": names})
}

func (s *Server) handleStage(c *gin.Context) {
	data, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, s.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.fail(c, http.StatusRequestEntityTooLarge, err)
			return
		}
		s.fail(c, http.StatusBadRequest, err)
		return
	}
	if len(data) == 0 {
		s.fail(c, http.StatusBadRequest, errors.New("request body is empty"))
		return
	}

	var sig []byte
	if v := strings.TrimSpace(c.GetHeader(SignatureHeader)); v != "" {
		sig = []byte(v)
	}
	a, err := s.updater.Stage(c.Request.Context(), c.Query("filename"), data, sig)
	if err != nil {
		if errors.Is(err, artifact.ErrUnsafePath) {
			s.fail(c, http.StatusBadRequest, err)
			return
		}
		s.fail(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusCreated, a)
}

func (s *Server) handleVerify(c *gin.Context) {
	result, err := s.updater.Verify(c.Request.Context(), c.Param("hash"))
	if err != nil {
		s.fail(c, statusFor(err), err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleRequestApproval(c *gin.Context) {
	var req RequestApprovalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, http.StatusBadRequest, err)
		return
	}
	suggestion, err := s.updater.RequestApproval(c.Request.Context(), req.Hash, req.Context)
	if err != nil {
		s.fail(c, statusFor(err), err)
		return
	}
	c.JSON(http.StatusCreated, suggestion)
}

func (s *Server) handleApprove(c *gin.Context) {
	var req ApproveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, http.StatusBadRequest, err)
		return
	}
	rec, err := s.updater.Approve(c.Request.Context(), req.File, req.SignedToken)
	if err != nil {
		s.fail(c, statusFor(err), err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) handleReject(c *gin.Context) {
	var req RejectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, http.StatusBadRequest, err)
		return
	}
	if err := s.updater.Reject(c.Request.Context(), req.File, req.Reason); err != nil {
		s.fail(c, statusFor(err), err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rejected": req.File})
}

func (s *Server) handlePromote(c *gin.Context) {
	hash := c.Query("hash")
	target := c.Query("target")
	if hash == "" || target == "" {
		s.fail(c, http.StatusBadRequest, errors.New("hash and target are required"))
		return
	}
	resolved, ok := s.allowedTarget(target)
	if !ok {
		c.JSON(http.StatusForbidden, ErrorResponse{
			Error:  "target is outside the configured activation roots",
			Kind:   "target_not_allowed",
			Hash:   hash,
			Target: target,
		})
		return
	}

	res, err := s.updater.Activate(c.Request.Context(), hash, resolved)
	if err != nil {
		s.fail(c, statusFor(err), err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// allowedTarget resolves symlinks in target and reports whether the result
// lies strictly below an activation root.
func (s *Server) allowedTarget(target string) (string, bool) {
	resolved, err := resolvePath(target)
	if err != nil {
		return "", false
	}
	for _, root := range s.roots {
		rel, err := filepath.Rel(root, resolved)
		if err == nil && rel != "." && filepath.IsLocal(rel) {
			return resolved, true
		}
	}
	return "", false
}

// resolvePath makes path absolute and evaluates symlinks in its longest
// existing prefix. Components that do not exist yet are appended as is.
func resolvePath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	var missing []string
	for dir := abs; ; dir = filepath.Dir(dir) {
		prefix, err := filepath.EvalSymlinks(dir)
		if err == nil {
			return filepath.Join(append([]string{prefix}, missing...)...), nil
		}
		if !errors.Is(err, fs.ErrNotExist) || dir == filepath.Dir(dir) {
			return "", err
		}
		missing = append([]string{filepath.Base(dir)}, missing...)
	}
}

func (s *Server) handleServices(c *gin.Context) {
	if s.services == nil {
		c.JSON(http.StatusOK, gin.H{"services": []procmgr.ServiceHandle{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"services": s.services.Services()})
}

func (s *Server) handlePlugins(c *gin.Context) {
	plugins := []PluginInfo{}
	if s.plugins != nil {
		for _, m := range s.plugins.List() {
			plugins = append(plugins, pluginInfo(m))
		}
	}
	c.JSON(http.StatusOK, gin.H{"plugins": plugins})
}

func (s *Server) handlePlugin(c *gin.Context) {
	if s.plugins == nil {
		s.fail(c, http.StatusNotFound, errors.New("no plugin registry"))
		return
	}
	m, err := s.plugins.Lookup(c.Param("name"))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusNotFound, ErrorResponse{
			Error:      err.Error(),
			Kind:       string(launcher.CodeOf(err)),
			Suggestion: launcher.SuggestionOf(err),
		})
		return
	}
	c.JSON(http.StatusOK, pluginInfo(m))
}

func pluginInfo(m *launcher.Manifest) PluginInfo {
	return PluginInfo{
		Name:        m.Name,
		Dir:         m.Dir(),
		EntryPoint:  m.EntryPoint,
		Args:        m.Args,
		Version:     m.Version,
		Description: m.Description,
		Restart:     m.ShouldRestart(),
		Isolation:   m.IsolationLevel().String(),
	}
}

func (s *Server) handleEvents(c *gin.Context) {
	if s.events == nil {
		c.JSON(http.StatusOK, gin.H{"events": []journal.Event{}})
		return
	}

	f := journal.Filter{
		Subject: c.Query("subject"),
		Limit:   defaultEventLimit,
	}
	if kinds := c.QueryArray("kind"); len(kinds) > 0 {
		f.Kinds = kinds
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.fail(c, http.StatusBadRequest, errors.New("limit must be a positive integer"))
			return
		}
		f.Limit = min(n, maxEventLimit)
	}
	if v := c.Query("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.fail(c, http.StatusBadRequest, errors.New("since must be an RFC 3339 time"))
			return
		}
		f.Since = since
	}

	events, err := s.events.Query(c.Request.Context(), f)
	if err != nil {
		s.fail(c, http.StatusInternalServerError, err)
		return
	}
	if events == nil {
		events = []journal.Event{}
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

// statusFor maps updater and approval errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, updater.ErrNotStaged), errors.Is(err, approval.ErrSuggestionNotFound):
		return http.StatusNotFound
	case errors.Is(err, updater.ErrNotApproved):
		return http.StatusForbidden
	case errors.Is(err, approval.ErrInvalidToken):
		return http.StatusUnauthorized
	case errors.Is(err, approval.ErrRejected):
		return http.StatusConflict
	case errors.Is(err, approval.ErrInvalidRef), errors.Is(err, artifact.ErrInvalidHash):
		return http.StatusBadRequest
	case errors.Is(err, updater.ErrVerificationFailed):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(c *gin.Context, status int, err error) {
	resp := ErrorResponse{Error: err.Error()}

	var uerr *updater.UpdateError
	if errors.As(err, &uerr) {
		resp.Kind = string(uerr.Kind)
		resp.Hash = uerr.Hash
		resp.Target = uerr.Target
		if uerr.Kind == updater.KindActivationFailed {
			rolledBack := uerr.RolledBack
			resp.RolledBack = &rolledBack
		}
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "path", c.Request.URL.Path, "error", err)
	}
	c.AbortWithStatusJSON(status, resp)
}
