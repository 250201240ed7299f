package errors

import (
	"net/http"

	"google.golang.org/grpc/codes"
)

// 文档摄取错误。
var (
	// ErrExtractionFailed 文件无法读取或格式不受支持，文档进入 rejected 状态。
	ErrExtractionFailed = Register(New(
		MakeCode(ServiceStudymate, CategoryRequest, 1),
		http.StatusUnprocessableEntity,
		codes.InvalidArgument,
		"This file could not be read",
		"无法读取该文件",
	))

	// ErrValidationFailed 内容未通过大小或信息量校验。
	ErrValidationFailed = Register(New(
		MakeCode(ServiceStudymate, CategoryRequest, 2),
		http.StatusUnprocessableEntity,
		codes.InvalidArgument,
		"Document content failed validation",
		"文档内容校验失败",
	))

	// ErrInvalidRequest 请求参数不合法。
	ErrInvalidRequest = Register(New(
		MakeCode(ServiceStudymate, CategoryRequest, 3),
		http.StatusBadRequest,
		codes.InvalidArgument,
		"Invalid request",
		"请求参数无效",
	))
)

// 资源与状态错误。
var (
	ErrDocumentNotFound = Register(New(
		MakeCode(ServiceStudymate, CategoryResource, 1),
		http.StatusNotFound,
		codes.NotFound,
		"Document not found",
		"文档不存在",
	))

	// ErrSessionNotFound 会话不存在或已失效，调用方应新建会话。
	ErrSessionNotFound = Register(New(
		MakeCode(ServiceStudymate, CategoryResource, 2),
		http.StatusNotFound,
		codes.NotFound,
		"Chat session not found, start a new session",
		"会话不存在，请新建会话",
	))

	// ErrDocumentNotReady 文档尚未处理完成（status 不是 completed）。
	ErrDocumentNotReady = Register(New(
		MakeCode(ServiceStudymate, CategoryConflict, 1),
		http.StatusConflict,
		codes.FailedPrecondition,
		"Document is not ready",
		"文档尚未就绪",
	))

	// ErrEmbeddingModelMismatch 文档向量与当前嵌入模型不一致。
	ErrEmbeddingModelMismatch = Register(New(
		MakeCode(ServiceStudymate, CategoryConflict, 2),
		http.StatusConflict,
		codes.FailedPrecondition,
		"Document was embedded with a different model",
		"文档嵌入模型与当前模型不一致",
	))
)

// 外部服务错误，均可重试。
var (
	ErrEmbeddingUnavailable = Register(New(
		MakeCode(ServiceStudymate, CategoryNetwork, 1),
		http.StatusServiceUnavailable,
		codes.Unavailable,
		"Embedding service unavailable, try again",
		"嵌入服务暂不可用，请重试",
	))

	ErrGenerationUnavailable = Register(New(
		MakeCode(ServiceStudymate, CategoryNetwork, 2),
		http.StatusServiceUnavailable,
		codes.Unavailable,
		"Generation service unavailable, try again",
		"生成服务暂不可用，请重试",
	))

	// ErrQuizExhausted 多轮生成后仍无法凑齐足够的新题目。
	ErrQuizExhausted = Register(New(
		MakeCode(ServiceStudymate, CategoryNetwork, 3),
		http.StatusServiceUnavailable,
		codes.ResourceExhausted,
		"Not enough new quiz questions could be generated, try again",
		"无法生成足够的新题目，请重试",
	))
)

// IsRetryable 判断错误是否属于可重试的暂时性错误。
func IsRetryable(err error) bool {
	e := FromError(err)
	if e == nil {
		return false
	}
	switch GetCategory(e.Code) {
	case CategoryNetwork, CategoryTimeout, CategoryRateLimit:
		return true
	}
	return false
}
