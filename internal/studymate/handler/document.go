package handler

import (
	stderrors "errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kart-io/studymate/internal/studymate/biz"
	"github.com/kart-io/studymate/pkg/utils/errors"
	"github.com/kart-io/studymate/pkg/utils/response"
)

// formFile 上传表单中的文件字段名。
const formFile = "file"

// DocumentHandler handles document upload and catalog requests.
type DocumentHandler struct {
	ingestor    *biz.Ingestor
	maxFileSize int64
}

// NewDocumentHandler creates a new DocumentHandler.
func NewDocumentHandler(ingestor *biz.Ingestor, maxFileSize int64) *DocumentHandler {
	return &DocumentHandler{ingestor: ingestor, maxFileSize: maxFileSize}
}

// Upload 接收 multipart 文件，立即返回 pending 状态的文档。
func (h *DocumentHandler) Upload(c *gin.Context) {
	fh, err := c.FormFile(formFile)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if stderrors.As(err, &tooLarge) {
			response.Fail(c, errors.ErrRequestTooLarge.WithMessagef("request body exceeds %d bytes", tooLarge.Limit))
			return
		}
		response.Fail(c, errors.ErrInvalidRequest.WithMessagef("multipart field %q is required", formFile))
		return
	}
	if fh.Size > h.maxFileSize {
		response.Fail(c, errors.ErrRequestTooLarge.WithMessagef("file exceeds %d bytes", h.maxFileSize))
		return
	}

	f, err := fh.Open()
	if err != nil {
		response.Fail(c, errors.ErrInvalidRequest.WithCause(err))
		return
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, h.maxFileSize+1))
	if err != nil {
		response.Fail(c, errors.ErrInvalidRequest.WithCause(err))
		return
	}

	doc, err := h.ingestor.Upload(c.Request.Context(), biz.UploadRequest{
		OwnerID:     principal(c),
		Filename:    fh.Filename,
		ContentType: fh.Header.Get("Content-Type"),
		Data:        data,
	})
	if err != nil {
		response.Fail(c, err)
		return
	}
	response.Accepted(c, doc)
}

// List 分页列出当前用户的文档。
func (h *DocumentHandler) List(c *gin.Context) {
	offset, err := queryInt(c, "offset", 0)
	if err != nil {
		response.Fail(c, err)
		return
	}
	limit, err := queryInt(c, "limit", 20)
	if err != nil {
		response.Fail(c, err)
		return
	}

	list, err := h.ingestor.List(c.Request.Context(), principal(c), offset, limit)
	if err != nil {
		response.Fail(c, err)
		return
	}
	response.OK(c, list)
}

// Get 返回文档的状态与计数。
func (h *DocumentHandler) Get(c *gin.Context) {
	doc, err := h.ingestor.Get(c.Request.Context(), principal(c), c.Param("id"))
	if err != nil {
		response.Fail(c, err)
		return
	}
	response.OK(c, doc)
}

// Delete 级联删除文档。
func (h *DocumentHandler) Delete(c *gin.Context) {
	res, err := h.ingestor.Delete(c.Request.Context(), principal(c), c.Param("id"))
	if err != nil {
		response.Fail(c, err)
		return
	}
	response.OK(c, res)
}

// Reprocess 重新摄取失败的文档。
func (h *DocumentHandler) Reprocess(c *gin.Context) {
	doc, err := h.ingestor.Reprocess(c.Request.Context(), principal(c), c.Param("id"))
	if err != nil {
		response.Fail(c, err)
		return
	}
	response.Accepted(c, doc)
}
