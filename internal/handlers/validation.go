package handlers

import (
	"sync"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"

	"storeorders/internal/models"
)

var registerOnce sync.Once

// registerValidators adds the order_status tag to gin's validator.
func registerValidators() {
	registerOnce.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			return
		}
		_ = v.RegisterValidation("order_status", func(fl validator.FieldLevel) bool {
			_, err := models.ParseOrderStatus(fl.Field().String())
			return err == nil
		})
	})
}
