package schedule

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/go-playground/validator/v10/non-standard/validators"

	"github.com/conorfennell/ankimport/internal/domain"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func cardValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		// Registration only fails on an empty tag or nil func.
		_ = validate.RegisterValidation("notblank", validators.NotBlank)
	})
	return validate
}

// ErrInvalidCard wraps every final-validation failure.
var ErrInvalidCard = errors.New("invalid card")

// ValidateCard re-checks a card immediately before it is queued for
// persistence. Any failure means the card must be dropped.
func ValidateCard(c *domain.Card) error {
	if err := cardValidator().Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCard, err)
	}
	if !c.State.Valid() {
		return fmt.Errorf("%w: unknown state %q", ErrInvalidCard, c.State)
	}
	if !ValidInstant(c.DueAt) {
		return fmt.Errorf("%w: due_at %v is not a valid instant", ErrInvalidCard, c.DueAt)
	}
	if math.IsNaN(c.Ease) || math.IsInf(c.Ease, 0) {
		return fmt.Errorf("%w: ease is not a number", ErrInvalidCard)
	}
	if c.Suspended != (c.State == domain.StateSuspended) {
		return fmt.Errorf("%w: suspended=%t disagrees with state %q", ErrInvalidCard, c.Suspended, c.State)
	}
	return nil
}
