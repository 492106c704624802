package worksheet

import (
	"net/http"
	"strconv"
	"strings"

	"worksheet-service/internal/errors"
	"worksheet-service/internal/middleware"
	"worksheet-service/internal/utils"

	"github.com/gin-gonic/gin"
)

type Handler struct {
	service Service
}

func NewHandler(service Service) *Handler {
	utils.RegisterValidators()
	return &Handler{service: service}
}

func (h *Handler) RegisterRoutes(public, private, internal *gin.RouterGroup) {
	public.GET("/worksheets", h.Index)
	public.GET("/worksheets/:uuid", h.Show)

	private.POST("/worksheets", h.Create)
	private.PATCH("/worksheets", h.Update)
	private.DELETE("/worksheets", h.Delete)
	private.POST("/worksheet-items", h.AddItems)
	private.POST("/worksheet-permissions", h.SetPermissions)

	internal.GET("/worksheets/:uuid/permission", h.ShowUserPermission)
}

func (h *Handler) Show(c *gin.Context) {
	doc, err := h.service.GetWorksheet(c.Request.Context(), middleware.Principal(c), c.Param("uuid"))
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, doc)
}

// Index fetches worksheets either by specs (?specs=a,b&base=uuid) or by
// search keywords (?keywords=...).
func (h *Handler) Index(c *gin.Context) {
	page, pageSize := utils.GetPaginationParams(c)
	query := ListQuery{
		Specs:    queryList(c, "specs", ","),
		Base:     c.Query("base"),
		Keywords: queryList(c, "keywords", " "),
		Page:     page,
		PerPage:  pageSize,
	}

	list, err := h.service.ListWorksheets(c.Request.Context(), middleware.Principal(c), query)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, list)
}

func queryList(c *gin.Context, key, sep string) []string {
	var out []string
	for _, raw := range c.QueryArray(key) {
		for _, part := range strings.Split(raw, sep) {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func (h *Handler) Create(c *gin.Context) {
	var form []CreateRequest
	if err := c.ShouldBindJSON(&form); err != nil {
		c.Error(errors.NewValidationError(err))
		return
	}

	names := make([]string, 0, len(form))
	for _, f := range form {
		names = append(names, f.Name)
	}

	worksheets, err := h.service.CreateWorksheets(c.Request.Context(), middleware.Principal(c), names)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": worksheets})
}

func (h *Handler) Update(c *gin.Context) {
	var form []MetadataInput
	if err := c.ShouldBindJSON(&form); err != nil {
		c.Error(errors.NewValidationError(err))
		return
	}

	worksheets, err := h.service.UpdateWorksheets(c.Request.Context(), middleware.Principal(c), form)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": worksheets})
}

func (h *Handler) Delete(c *gin.Context) {
	var form DeleteRequest
	if err := c.ShouldBindJSON(&form); err != nil {
		c.Error(errors.NewValidationError(err))
		return
	}
	force, _ := strconv.ParseBool(c.DefaultQuery("force", "false"))

	if err := h.service.DeleteWorksheets(c.Request.Context(), middleware.Principal(c), form.UUIDs, force); err != nil {
		c.Error(err)
		return
	}

	c.Status(http.StatusNoContent)
}

func (h *Handler) AddItems(c *gin.Context) {
	var form AddItemsRequest
	if err := c.ShouldBindJSON(&form); err != nil {
		c.Error(errors.NewValidationError(err))
		return
	}
	replace, _ := strconv.ParseBool(c.DefaultQuery("replace", "false"))

	result, err := h.service.AddItems(c.Request.Context(), middleware.Principal(c), form, replace)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, result)
}

func (h *Handler) SetPermissions(c *gin.Context) {
	var form []PermissionInput
	if err := c.ShouldBindJSON(&form); err != nil {
		c.Error(errors.NewValidationError(err))
		return
	}

	grants, err := h.service.SetPermissions(c.Request.Context(), middleware.Principal(c), form)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": grants})
}

// ShowUserPermission lets other services ask what a user may do with a
// worksheet.
func (h *Handler) ShowUserPermission(c *gin.Context) {
	userID, err := strconv.ParseUint(c.Query("user_id"), 10, 64)
	if err != nil {
		c.Error(errors.BadRequest("user_id must be a number", err))
		return
	}

	level, err := h.service.UserPermission(c.Request.Context(), userID, c.Param("uuid"))
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"permission": level})
}
