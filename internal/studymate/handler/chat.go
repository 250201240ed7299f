package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kart-io/logger"

	"github.com/kart-io/studymate/internal/studymate/biz"
	"github.com/kart-io/studymate/internal/studymate/model"
	"github.com/kart-io/studymate/pkg/utils/errors"
	"github.com/kart-io/studymate/pkg/utils/response"
)

// SSE event names of the streaming ask endpoint.
const (
	EventDelta = "delta"
	EventDone  = "done"
	EventError = "error"
)

// ChatHandler handles question answering and session requests.
type ChatHandler struct {
	orchestrator *biz.Orchestrator
	memory       *biz.Memory
}

// NewChatHandler creates a new ChatHandler.
func NewChatHandler(orchestrator *biz.Orchestrator, memory *biz.Memory) *ChatHandler {
	return &ChatHandler{orchestrator: orchestrator, memory: memory}
}

// DeltaEvent is one streamed fragment of the answer.
type DeltaEvent struct {
	Text string `json:"text"`
}

// Ask 回答问题；session_id 为空时成功后新建会话。
func (h *ChatHandler) Ask(c *gin.Context) {
	var req biz.AskRequest
	if !bindJSON(c, &req) {
		return
	}
	req.OwnerID = principal(c)

	result, err := h.orchestrator.Ask(c.Request.Context(), req)
	if err != nil {
		response.Fail(c, err)
		return
	}
	response.OK(c, result)
}

// AskStream 以 SSE 流式返回回答。
// 事件依次为若干 delta，最后是 done（完整结果）或 error（错误响应体）。
func (h *ChatHandler) AskStream(c *gin.Context) {
	var req biz.AskRequest
	if !bindJSON(c, &req) {
		return
	}
	req.OwnerID = principal(c)

	// 流式响应不受服务端写超时限制
	_ = http.NewResponseController(c.Writer).SetWriteDeadline(time.Time{})

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	ctx := c.Request.Context()
	result, err := h.orchestrator.AskStream(ctx, req, func(delta string) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		c.SSEvent(EventDelta, DeltaEvent{Text: delta})
		c.Writer.Flush()
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			logger.Debugw("stream client gone", "session_id", req.SessionID, "error", err.Error())
			return
		}
		r := response.Err(errors.FromError(err))
		r.RequestID = c.GetString(response.ContextKeyRequestID)
		c.SSEvent(EventError, r)
		c.Writer.Flush()
		return
	}
	c.SSEvent(EventDone, result)
	c.Writer.Flush()
}

// SessionList wraps recent sessions.
type SessionList struct {
	Items []*model.ChatSession `json:"items"`
}

// ListSessions 按最近活动时间倒序列出会话。
func (h *ChatHandler) ListSessions(c *gin.Context) {
	limit, err := queryInt(c, "limit", 20)
	if err != nil {
		response.Fail(c, err)
		return
	}
	sessions, err := h.memory.ListRecent(c.Request.Context(), principal(c), limit)
	if err != nil {
		response.Fail(c, err)
		return
	}
	response.OK(c, SessionList{Items: sessions})
}

// HistoryResponse holds a session with its full message history.
type HistoryResponse struct {
	Session  *model.ChatSession   `json:"session"`
	Messages []*model.ChatMessage `json:"messages"`
}

// History 返回会话的完整消息记录，包括已压缩的消息。
func (h *ChatHandler) History(c *gin.Context) {
	ctx := c.Request.Context()
	owner, id := principal(c), c.Param("id")

	session, err := h.memory.GetSession(ctx, owner, id)
	if err != nil {
		response.Fail(c, err)
		return
	}
	messages, err := h.memory.History(ctx, owner, id)
	if err != nil {
		response.Fail(c, err)
		return
	}
	response.OK(c, HistoryResponse{Session: session, Messages: messages})
}

// DeleteSession 删除会话及其消息。
func (h *ChatHandler) DeleteSession(c *gin.Context) {
	if err := h.memory.DeleteSession(c.Request.Context(), principal(c), c.Param("id")); err != nil {
		response.Fail(c, err)
		return
	}
	response.OK(c, nil)
}
