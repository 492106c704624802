package utils

import (
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/stretchr/testify/assert"
)

func TestGetPaginationParams(t *testing.T) {
	gin.SetMode(gin.TestMode)
	tests := []struct {
		query   string
		page    int
		perPage int
	}{
		{"", 1, 10},
		{"?page=3&per_page=25", 3, 25},
		{"?page=0&per_page=0", 1, 10},
		{"?page=abc&per_page=1000", 1, 10},
		{"?per_page=100", 1, 100},
	}

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			c, _ := gin.CreateTestContext(httptest.NewRecorder())
			c.Request = httptest.NewRequest("GET", "/worksheets"+tt.query, nil)

			page, perPage := GetPaginationParams(c)
			assert.Equal(t, tt.page, page)
			assert.Equal(t, tt.perPage, perPage)
		})
	}
}

func TestRegisterValidators(t *testing.T) {
	RegisterValidators()
	RegisterValidators()

	type form struct {
		Name string `binding:"required,worksheetname"`
	}
	assert.NoError(t, binding.Validator.ValidateStruct(form{Name: "exp-1.final"}))
	assert.Error(t, binding.Validator.ValidateStruct(form{Name: "1exp"}))
	assert.Error(t, binding.Validator.ValidateStruct(form{Name: "has space"}))
}
