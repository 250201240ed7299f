package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/kart-io/studymate/internal/studymate/biz"
	"github.com/kart-io/studymate/pkg/utils/response"
)

// SearchHandler handles semantic search requests.
type SearchHandler struct {
	retriever *biz.Retriever
}

// NewSearchHandler creates a new SearchHandler.
func NewSearchHandler(retriever *biz.Retriever) *SearchHandler {
	return &SearchHandler{retriever: retriever}
}

// SearchResponse wraps search results.
type SearchResponse struct {
	Results []*biz.SearchResult `json:"results"`
}

// Search 在单个文档或当前用户的全部文档中检索。
func (h *SearchHandler) Search(c *gin.Context) {
	var req biz.SearchRequest
	if !bindJSON(c, &req) {
		return
	}
	req.OwnerID = principal(c)

	results, err := h.retriever.Search(c.Request.Context(), req)
	if err != nil {
		response.Fail(c, err)
		return
	}
	response.OK(c, SearchResponse{Results: results})
}
