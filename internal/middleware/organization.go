package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// OrganizationHeader 携带调用方所属的组织 ID，由外部鉴权层注入。
const OrganizationHeader = "X-Organization-ID"

const organizationKey = "organizationID"

// RequireOrganization 要求请求带有组织 ID，并将其存入 Gin 的上下文中。
func RequireOrganization() gin.HandlerFunc {
	return func(c *gin.Context) {
		org := strings.TrimSpace(c.GetHeader(OrganizationHeader))
		if org == "" {
			// WebSocket 客户端无法自定义请求头，允许通过查询参数传递
			org = strings.TrimSpace(c.Query("organizationId"))
		}
		if org == "" {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "缺少组织 ID 请求头 " + OrganizationHeader, "data": nil})
			return
		}
		c.Set(organizationKey, org)
		c.Next()
	}
}

// OrganizationID 返回 RequireOrganization 存入的组织 ID。
func OrganizationID(c *gin.Context) string {
	return c.GetString(organizationKey)
}
