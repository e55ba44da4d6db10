package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"taskmaster/domain"
)

const (
	maxBodySize          = 64 << 10
	idempotencyKeyHeader = "Idempotency-Key"
	dedupeTimeout        = 2 * time.Second
)

var errDuplicateRequest = errors.New("duplicate request")

// Options carries the optional collaborators of the HTTP surface.
type Options struct {
	// Issuer enables POST /api/jwt. Nil outside local auth mode.
	Issuer TokenIssuer
	// Deduper enables Idempotency-Key handling on create.
	Deduper Deduper
	// Users records first logins on POST /api/jwt.
	Users UserDirectory
	// SecureCookies marks the session cookie Secure with SameSite=None.
	SecureCookies bool
}

type handler struct {
	svc  TaskService
	auth Authenticator
	log  *log.Logger
	opts Options
}

// Register wires up all API routes on the provided Echo instance.
func Register(e *echo.Echo, svc TaskService, auth Authenticator, logger *log.Logger, opts Options) {
	if logger == nil {
		logger = log.StandardLogger()
	}
	h := &handler{svc: svc, auth: auth, log: logger, opts: opts}

	e.POST("/api/tasks", h.instrument("/api/tasks", h.createTask))
	e.GET("/api/tasks", h.instrument("/api/tasks", h.listTasks))
	e.PUT("/api/tasks", h.instrument("/api/tasks", h.moveTask))
	e.PUT("/api/tasks/:id", h.instrument("/api/tasks/:id", h.updateTask))
	e.PATCH("/api/tasks/:id", h.instrument("/api/tasks/:id", h.updateTask))
	e.DELETE("/api/tasks/:id", h.instrument("/api/tasks/:id", h.deleteTask))
	e.POST("/api/jwt", h.issueToken)
	e.POST("/api/logout", h.logout)
	e.GET("/healthz", healthz)
}

type tasksResponse struct {
	Tasks []domain.Task `json:"tasks"`
}

type createTaskRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Deadline    string `json:"deadline"`
	Done        bool   `json:"done"`
	Category    string `json:"category"`

	Extra map[string]json.RawMessage `json:"-"`
}

// UnmarshalJSON keeps keys other than the task fields as user data.
func (r *createTaskRequest) UnmarshalJSON(data []byte) error {
	type plain createTaskRequest
	if err := sonic.ConfigStd.Unmarshal(data, (*plain)(r)); err != nil {
		return err
	}
	extra, err := domain.ExtraFields(data, "title", "description", "deadline", "done", "category")
	if err != nil {
		return err
	}
	r.Extra = extra
	return nil
}

type moveTaskRequest struct {
	ActiveID       string `json:"activeId"`
	TargetCategory string `json:"targetCategory"`
	OverIndex      *int   `json:"overIndex"`
}

type loginRequest struct {
	Email string `json:"email"`
	Name  string `json:"name"`
}

type successResponse struct {
	Success bool `json:"success"`
}

func healthz(c echo.Context) error {
	return c.NoContent(http.StatusOK)
}

type taskHandlerFunc func(c echo.Context, m *requestMetrics, owner string) error

// instrument authenticates the caller and records request metrics around fn.
func (h *handler) instrument(route string, fn taskHandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		ctx := c.Request().Context()
		metrics, spanCtx := newRequestMetrics(ctx, h.log, c.Request().Method, route)
		c.SetRequest(c.Request().WithContext(spanCtx))
		defer func() {
			metrics.Log(c.Response().Status, err)
		}()

		authStart := time.Now()
		owner, authErr := h.auth.UserIDFromAuthHeader(credentialFromRequest(c.Request()))
		metrics.ObserveAuth(time.Since(authStart))
		if authErr != nil {
			metrics.RecordError("auth", authErr)
			return c.JSON(http.StatusUnauthorized, errorResponse{Error: "unauthorized"})
		}
		return fn(c, metrics, owner)
	}
}

func (h *handler) fail(c echo.Context, m *requestMetrics, owner, stage string, err error) error {
	status, msg := statusForError(err)
	m.RecordError(stage, err)
	if status >= http.StatusInternalServerError {
		h.log.WithFields(log.Fields{"owner": owner, "task": m.taskID, "op": stage}).WithError(err).Error("task request failed")
	}
	return c.JSON(status, errorResponse{Error: msg})
}

func (h *handler) respond(c echo.Context, m *requestMetrics, status int, body any) error {
	encodeStart := time.Now()
	err := c.JSON(status, body)
	m.ObserveEncode(time.Since(encodeStart))
	if err != nil {
		m.SetErrorStage("encode_response")
	}
	return err
}

func decodeBody(c echo.Context, v any, strict bool) error {
	lr := io.LimitReader(c.Request().Body, maxBodySize)
	dec := sonic.ConfigStd.NewDecoder(lr)
	if strict {
		dec.DisallowUnknownFields()
	}
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, domain.ErrInvalidArgument) {
			return err
		}
		return fmt.Errorf("%w: invalid body", domain.ErrInvalidArgument)
	}
	return nil
}

func (h *handler) createTask(c echo.Context, m *requestMetrics, owner string) error {
	ctx := c.Request().Context()
	var req createTaskRequest
	if err := decodeBody(c, &req, true); err != nil {
		return h.fail(c, m, owner, "decode", err)
	}

	key := strings.TrimSpace(c.Request().Header.Get(idempotencyKeyHeader))
	if key != "" && h.opts.Deduper != nil {
		dctx, cancel := context.WithTimeout(ctx, dedupeTimeout)
		added, err := h.opts.Deduper.Add(dctx, owner, key)
		cancel()
		switch {
		case err != nil:
			h.log.WithFields(log.Fields{"owner": owner, "key": key}).WithError(err).Warn("idempotency check failed; processing request")
			key = ""
		case !added:
			m.RecordError("dedupe", errDuplicateRequest)
			return c.JSON(http.StatusConflict, errorResponse{Error: errDuplicateRequest.Error()})
		}
	} else {
		key = ""
	}

	engineStart := time.Now()
	task, err := h.svc.CreateTask(ctx, owner, req.Category, domain.NewTask{
		Title:       req.Title,
		Description: req.Description,
		Deadline:    req.Deadline,
		Done:        req.Done,
		Extra:       req.Extra,
	})
	m.ObserveEngine(time.Since(engineStart))
	if err != nil {
		if key != "" {
			if rerr := h.opts.Deduper.Remove(context.WithoutCancel(ctx), owner, key); rerr != nil {
				h.log.WithFields(log.Fields{"owner": owner, "key": key}).WithError(rerr).Warn("failed to release idempotency key")
			}
		}
		return h.fail(c, m, owner, "create", err)
	}
	m.SetTaskID(task.ID)
	return h.respond(c, m, http.StatusCreated, task)
}

func (h *handler) listTasks(c echo.Context, m *requestMetrics, owner string) error {
	ctx := c.Request().Context()
	category := strings.TrimSpace(c.QueryParam("category"))

	engineStart := time.Now()
	var (
		tasks []domain.Task
		err   error
	)
	if category != "" {
		tasks, err = h.svc.ListBucket(ctx, owner, category)
	} else {
		tasks, err = h.svc.ListTasks(ctx, owner)
	}
	m.ObserveEngine(time.Since(engineStart))
	if err != nil {
		return h.fail(c, m, owner, "list", err)
	}
	if tasks == nil {
		tasks = []domain.Task{}
	}
	m.SetTasksReturned(len(tasks))
	return h.respond(c, m, http.StatusOK, tasksResponse{Tasks: tasks})
}

func (h *handler) updateTask(c echo.Context, m *requestMetrics, owner string) error {
	ctx := c.Request().Context()
	id := c.Param("id")
	m.SetTaskID(id)

	var patch domain.TaskPatch
	if err := decodeBody(c, &patch, true); err != nil {
		return h.fail(c, m, owner, "decode", err)
	}

	engineStart := time.Now()
	task, err := h.svc.UpdateTaskFields(ctx, id, owner, patch)
	m.ObserveEngine(time.Since(engineStart))
	if err != nil {
		return h.fail(c, m, owner, "update", err)
	}
	return h.respond(c, m, http.StatusOK, task)
}

func (h *handler) deleteTask(c echo.Context, m *requestMetrics, owner string) error {
	ctx := c.Request().Context()
	id := c.Param("id")
	m.SetTaskID(id)

	engineStart := time.Now()
	err := h.svc.DeleteTask(ctx, id, owner)
	m.ObserveEngine(time.Since(engineStart))
	if err != nil {
		return h.fail(c, m, owner, "delete", err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *handler) moveTask(c echo.Context, m *requestMetrics, owner string) error {
	ctx := c.Request().Context()
	var req moveTaskRequest
	if err := decodeBody(c, &req, true); err != nil {
		return h.fail(c, m, owner, "decode", err)
	}
	m.SetTaskID(req.ActiveID)
	if req.OverIndex == nil {
		return h.fail(c, m, owner, "decode", fmt.Errorf("%w: overIndex is required", domain.ErrInvalidArgument))
	}

	engineStart := time.Now()
	task, err := h.svc.MoveTask(ctx, owner, req.ActiveID, req.TargetCategory, *req.OverIndex)
	m.ObserveEngine(time.Since(engineStart))
	if err != nil {
		return h.fail(c, m, owner, "move", err)
	}
	return h.respond(c, m, http.StatusOK, task)
}

func (h *handler) sessionCookie(value string, expires time.Time) *http.Cookie {
	cookie := &http.Cookie{
		Name:     tokenCookieName,
		Value:    value,
		Path:     "/",
		Expires:  expires,
		HttpOnly: true,
		Secure:   h.opts.SecureCookies,
		SameSite: http.SameSiteStrictMode,
	}
	if h.opts.SecureCookies {
		cookie.SameSite = http.SameSiteNoneMode
	}
	if value == "" {
		cookie.MaxAge = -1
	}
	return cookie
}

func (h *handler) issueToken(c echo.Context) error {
	if h.opts.Issuer == nil {
		return c.JSON(http.StatusNotFound, errorResponse{Error: "not found"})
	}
	var req loginRequest
	if err := decodeBody(c, &req, false); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid body"})
	}
	email := strings.TrimSpace(req.Email)
	if email == "" {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "email is required"})
	}
	if h.opts.Users != nil {
		ctx, cancel := context.WithTimeout(c.Request().Context(), dedupeTimeout)
		added, err := h.opts.Users.Remember(ctx, newUser(email, req.Name))
		cancel()
		switch {
		case err != nil:
			h.log.WithField("user", email).WithError(err).Error("failed to record user")
			return c.JSON(http.StatusServiceUnavailable, errorResponse{Error: "store unavailable"})
		case added:
			h.log.WithField("user", email).Info("new user registered")
		}
	}
	token, expires, err := h.opts.Issuer.IssueToken(email)
	if err != nil {
		h.log.WithError(err).Error("failed to issue token")
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
	c.SetCookie(h.sessionCookie(token, expires))
	return c.JSON(http.StatusOK, successResponse{Success: true})
}

func (h *handler) logout(c echo.Context) error {
	c.SetCookie(h.sessionCookie("", time.Unix(0, 0)))
	return c.JSON(http.StatusOK, successResponse{Success: true})
}
