package controller

import (
	"errors"
	"fmt"
	"strings"

	"github.com/swipearr/server/pkg/validator"
)

var errFirstMessageNotLogin = errors.New("first message must be login")

func validationError(validationErrors []validator.ValidationError) error {
	parts := make([]string, 0, len(validationErrors))
	for _, ve := range validationErrors {
		parts = append(parts, ve.Message)
	}
	return fmt.Errorf("validation error: %s", strings.Join(parts, "; "))
}
