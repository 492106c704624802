package utils

import (
	"sync"

	"worksheet-service/internal/domain"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"
)

var registerOnce sync.Once

// RegisterValidators adds the custom binding rules used by request forms:
// worksheetname checks worksheet, group and user names.
func RegisterValidators() {
	registerOnce.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			return
		}
		err := v.RegisterValidation("worksheetname", func(fl validator.FieldLevel) bool {
			return domain.ValidName(fl.Field().String())
		})
		if err != nil {
			log.Error().Err(err).Msg("failed to register worksheetname validator")
		}
	})
}
