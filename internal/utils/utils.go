package utils

import (
	"strconv"

	"github.com/gin-gonic/gin"
)

const (
	defaultPerPage = 10
	maxPerPage     = 100
)

// GetPaginationParams reads ?page= and ?per_page=. Out of range values fall
// back to the first page and the default page size.
func GetPaginationParams(c *gin.Context) (page int, perPage int) {
	page, err := strconv.Atoi(c.DefaultQuery("page", "1"))
	if err != nil || page < 1 {
		page = 1
	}

	perPage, err = strconv.Atoi(c.DefaultQuery("per_page", strconv.Itoa(defaultPerPage)))
	if err != nil || perPage < 1 || perPage > maxPerPage {
		perPage = defaultPerPage
	}
	return page, perPage
}
