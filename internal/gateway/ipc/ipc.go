// Package ipc is the request/response half of the client transport: every
// operation is POST /ipc/<channel> with a JSON args array, answered with a
// success envelope.
package ipc

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/cmux/cmux/internal/common/logger"
	"github.com/cmux/cmux/internal/session"
	"github.com/cmux/cmux/internal/workspace"
	"github.com/cmux/cmux/pkg/chat"

	apperrors "github.com/cmux/cmux/internal/common/errors"
)

// Handlers dispatches IPC channels onto the lifecycle and session planes.
type Handlers struct {
	lifecycle *workspace.Lifecycle
	store     *workspace.ConfigStore
	sessions  *session.Manager
	logger    *logger.Logger
}

// NewHandlers wires the IPC surface.
func NewHandlers(lifecycle *workspace.Lifecycle, store *workspace.ConfigStore, sessions *session.Manager, log *logger.Logger) *Handlers {
	if log == nil {
		log = logger.Default()
	}
	return &Handlers{
		lifecycle: lifecycle,
		store:     store,
		sessions:  sessions,
		logger:    log.WithFields(zap.String("component", "ipc")),
	}
}

// Register mounts POST /ipc/:channel behind bearer auth.
func (h *Handlers) Register(router *gin.Engine, authToken string) {
	group := router.Group("/ipc", BearerAuth(authToken))
	group.POST("/:channel", h.Handle)
}

// BearerAuth checks the Authorization header. An empty token disables auth.
func BearerAuth(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" {
			c.Next()
			return
		}
		header := c.GetHeader("Authorization")
		if header != "Bearer "+token {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"success": false,
				"error":   "unauthorized",
			})
			return
		}
		c.Next()
	}
}

type request struct {
	Args []json.RawMessage `json:"args"`
}

// Handle dispatches one IPC call by channel name.
func (h *Handlers) Handle(c *gin.Context) {
	var req request
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, apperrors.Validation("invalid request body: "+err.Error()))
		return
	}

	channel := c.Param("channel")
	data, err := h.dispatch(c, channel, req.Args)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, data)
}

func (h *Handlers) fail(c *gin.Context, err error) {
	status := apperrors.GetHTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("ipc call failed",
			zap.String("channel", c.Param("channel")),
			zap.Error(err))
	}
	c.JSON(status, gin.H{"success": false, "error": err.Error()})
}

// ok is the generic success envelope.
func ok(data any) gin.H {
	return gin.H{"success": true, "data": data}
}

func (h *Handlers) dispatch(c *gin.Context, channel string, args []json.RawMessage) (any, error) {
	ctx := c.Request.Context()

	switch channel {
	case "workspace:list":
		workspaces, err := h.store.GetAllWorkspaceMetadata()
		if err != nil {
			return nil, err
		}
		if workspaces == nil {
			workspaces = []workspace.Workspace{}
		}
		return ok(workspaces), nil

	case "workspace:create":
		var projectPath, name, trunk string
		var rcfg *workspace.RuntimeConfig
		if err := decodeArgs(args, 3, &projectPath, &name, &trunk, &rcfg); err != nil {
			return nil, err
		}
		ws, err := h.lifecycle.Create(ctx, projectPath, name, trunk, rcfg)
		if err != nil {
			return nil, err
		}
		return gin.H{"success": true, "metadata": ws}, nil

	case "workspace:rename":
		var id, newName string
		if err := decodeArgs(args, 2, &id, &newName); err != nil {
			return nil, err
		}
		ws, err := h.lifecycle.Rename(ctx, id, newName)
		if err != nil {
			return nil, err
		}
		return ok(gin.H{"newWorkspaceId": ws.ID}), nil

	case "workspace:remove":
		var id string
		var opts struct {
			Force bool `json:"force"`
		}
		if err := decodeArgs(args, 1, &id, &opts); err != nil {
			return nil, err
		}
		if err := h.lifecycle.Delete(ctx, id, opts.Force); err != nil {
			return nil, err
		}
		return ok(nil), nil

	case "workspace:getInfo":
		var id string
		if err := decodeArgs(args, 1, &id); err != nil {
			return nil, err
		}
		ws, err := h.store.FindWorkspace(id)
		if err != nil {
			return nil, err
		}
		return ok(ws), nil

	case "workspace:sendMessage":
		var id, text string
		var opts session.SendOptions
		if err := decodeArgs(args, 2, &id, &text, &opts); err != nil {
			return nil, err
		}
		sess, err := h.session(id)
		if err != nil {
			return nil, err
		}
		if err := sess.SendMessage(ctx, text, opts); err != nil {
			return nil, err
		}
		return ok(nil), nil

	case "workspace:resumeStream":
		var id string
		var opts session.SendOptions
		if err := decodeArgs(args, 1, &id, &opts); err != nil {
			return nil, err
		}
		sess, err := h.session(id)
		if err != nil {
			return nil, err
		}
		if err := sess.ResumeStream(ctx, opts); err != nil {
			return nil, err
		}
		return ok(nil), nil

	case "workspace:interruptStream":
		var id string
		if err := decodeArgs(args, 1, &id); err != nil {
			return nil, err
		}
		sess, err := h.session(id)
		if err != nil {
			return nil, err
		}
		if err := sess.InterruptStream(ctx); err != nil {
			return nil, err
		}
		return ok(nil), nil

	case "workspace:executeBash":
		var id, command string
		var opts struct {
			TimeoutSecs int `json:"timeoutSecs"`
			Niceness    int `json:"niceness"`
		}
		if err := decodeArgs(args, 2, &id, &command, &opts); err != nil {
			return nil, err
		}
		timeout := time.Duration(opts.TimeoutSecs) * time.Second
		res, err := h.lifecycle.ExecuteBash(ctx, id, command, timeout, opts.Niceness)
		if err != nil {
			return nil, err
		}
		// ExecResult carries its own success flag: a non-zero exit is a
		// result, not an IPC failure.
		return res, nil

	case "workspace:chat:getHistory":
		var id string
		if err := decodeArgs(args, 1, &id); err != nil {
			return nil, err
		}
		messages, err := h.sessions.GetHistory(id)
		if err != nil {
			return nil, err
		}
		return ok(messages), nil

	case "workspace:chat:truncate":
		var id string
		var fraction float64
		if err := decodeArgs(args, 2, &id, &fraction); err != nil {
			return nil, err
		}
		deleted, err := h.sessions.TruncateHistory(id, fraction)
		if err != nil {
			return nil, err
		}
		if deleted == nil {
			deleted = []int64{}
		}
		return ok(deleted), nil

	case "workspace:replaceHistory":
		var id string
		var summary chat.Message
		if err := decodeArgs(args, 2, &id, &summary); err != nil {
			return nil, err
		}
		replaced, err := h.sessions.ReplaceHistory(id, &summary)
		if err != nil {
			return nil, err
		}
		return ok(replaced), nil

	case "project:list":
		projects, err := h.store.ListProjects()
		if err != nil {
			return nil, err
		}
		return ok(projects), nil

	case "project:listBranches":
		var projectPath string
		if err := decodeArgs(args, 1, &projectPath); err != nil {
			return nil, err
		}
		branches, trunk, err := h.lifecycle.ListBranches(ctx, projectPath)
		if err != nil {
			return nil, err
		}
		if branches == nil {
			branches = []string{}
		}
		return ok(gin.H{"branches": branches, "recommendedTrunk": trunk}), nil

	case "project:secrets:get":
		var projectPath string
		if err := decodeArgs(args, 1, &projectPath); err != nil {
			return nil, err
		}
		secrets, err := h.store.GetProjectSecrets(projectPath)
		if err != nil {
			return nil, err
		}
		return ok(secrets), nil

	case "project:secrets:update":
		var projectPath string
		var secrets []workspace.Secret
		if err := decodeArgs(args, 2, &projectPath, &secrets); err != nil {
			return nil, err
		}
		if err := h.store.UpdateProjectSecrets(projectPath, secrets); err != nil {
			return nil, err
		}
		return ok(nil), nil

	default:
		return nil, apperrors.NotFound("channel", channel)
	}
}

// session resolves a workspace id to its agent session, rejecting unknown
// workspaces before any session state is created.
func (h *Handlers) session(id string) (*session.AgentSession, error) {
	ws, err := h.store.FindWorkspace(id)
	if err != nil {
		return nil, err
	}
	if ws == nil {
		return nil, apperrors.NotFound("workspace", id)
	}
	return h.sessions.Session(id)
}

// decodeArgs unmarshals positional args. The first required targets must be
// present; trailing optional targets may be omitted by the caller.
func decodeArgs(args []json.RawMessage, required int, targets ...any) error {
	if len(args) < required {
		return apperrors.Validation(fmt.Sprintf("expected at least %d argument(s), got %d", required, len(args)))
	}
	if len(args) > len(targets) {
		return apperrors.Validation(fmt.Sprintf("expected at most %d argument(s), got %d", len(targets), len(args)))
	}
	for i, raw := range args {
		if len(raw) == 0 || strings.TrimSpace(string(raw)) == "null" {
			continue
		}
		if err := json.Unmarshal(raw, targets[i]); err != nil {
			return apperrors.Validation(fmt.Sprintf("invalid argument %d: %v", i, err))
		}
	}
	return nil
}
