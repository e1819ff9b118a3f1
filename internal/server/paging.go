package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/lnescrow/internal/pagination"
)

// pageQuery reads ?cursor and ?limit. It writes a 400 and returns false on a
// malformed value.
func pageQuery(c *gin.Context) (*pagination.Cursor, int, bool) {
	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		badRequest(c, "cursor is malformed")
		return nil, 0, false
	}
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 0 {
			badRequest(c, "limit must be a non-negative integer")
			return nil, 0, false
		}
	}
	return cursor, limit, true
}

// respondTradePage writes one newest-first page of trades.
func respondTradePage[T any](c *gin.Context, items []T, cursor *pagination.Cursor, limit int, key func(T) (time.Time, string)) {
	page, next := pagination.Page(items, cursor, limit, key)
	c.JSON(http.StatusOK, gin.H{
		"trades":      page,
		"count":       len(page),
		"next_cursor": next,
		"has_more":    next != "",
	})
}
