package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"askdocs-go/internal/middleware"
	"askdocs-go/internal/service"
	"askdocs-go/pkg/log"
)

// QueryHandler 处理检索问答请求。
type QueryHandler struct {
	queryService service.QueryService
}

// NewQueryHandler 创建一个新的 QueryHandler。
func NewQueryHandler(queryService service.QueryService) *QueryHandler {
	return &QueryHandler{queryService: queryService}
}

type queryBody struct {
	Query        string `json:"query" binding:"required"`
	MaxSources   int    `json:"maxSources"`
	UseSynthesis *bool  `json:"useSynthesis"`
}

// Query 回答一个自然语言问题。useSynthesis 缺省为 true。
func (h *QueryHandler) Query(c *gin.Context) {
	var body queryBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "请求参数错误: query 不能为空", "data": nil})
		return
	}
	req := service.QueryRequest{
		Query:          body.Query,
		OrganizationID: middleware.OrganizationID(c),
		MaxSources:     body.MaxSources,
		UseSynthesis:   body.UseSynthesis == nil || *body.UseSynthesis,
	}

	resp, err := h.queryService.ProcessQuery(c.Request.Context(), req)
	if err != nil {
		status := http.StatusInternalServerError
		var qerr *service.QueryError
		if errors.As(err, &qerr) {
			switch qerr.Stage {
			case "validation":
				status = http.StatusBadRequest
			case "embedding", "retrieval":
				status = http.StatusBadGateway
			}
		}
		log.Errorf("[QueryHandler] 查询失败: %v", err)
		c.JSON(status, gin.H{"code": status, "message": err.Error(), "data": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success", "data": resp})
}
