package api

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/ovmeet/backend/internal/v1/apperr"
	"github.com/ovmeet/backend/internal/v1/middleware"
	"github.com/ovmeet/backend/internal/v1/types"
)

// bindJSON decodes the request body into dst and renders binding failures in
// the shared error shape. Returns false when the request was already answered.
func bindJSON(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		middleware.RenderError(c, apperr.Validation("INVALID_BODY", "invalid request body: "+err.Error()))
		return false
	}
	return true
}

// pageRequest reads the paging query parameters shared by every listing.
// Out-of-range values are clamped by the repositories, not here.
func pageRequest(c *gin.Context) types.PageRequest {
	maxItems, _ := strconv.Atoi(c.Query("maxItems"))
	return types.PageRequest{
		MaxItems:      maxItems,
		NextPageToken: c.Query("nextPageToken"),
	}
}
