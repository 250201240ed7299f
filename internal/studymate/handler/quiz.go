package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/kart-io/studymate/internal/studymate/biz"
	"github.com/kart-io/studymate/pkg/utils/response"
)

// QuizHandler handles quiz generation requests.
type QuizHandler struct {
	orchestrator *biz.Orchestrator
}

// NewQuizHandler creates a new QuizHandler.
func NewQuizHandler(orchestrator *biz.Orchestrator) *QuizHandler {
	return &QuizHandler{orchestrator: orchestrator}
}

// Generate 为文档生成不与历史题目重复的测验。
func (h *QuizHandler) Generate(c *gin.Context) {
	var req biz.QuizRequest
	if !bindJSON(c, &req) {
		return
	}
	req.OwnerID = principal(c)

	result, err := h.orchestrator.GenerateQuiz(c.Request.Context(), req)
	if err != nil {
		response.Fail(c, err)
		return
	}
	response.OK(c, result)
}
