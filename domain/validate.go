package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	DateLayout = "2006-01-02"
	TimeLayout = "15:04"
)

var (
	ErrEmptyTitle      = errors.New("title is required")
	ErrInvalidCategory = errors.New("invalid category")
	ErrInvalidDate     = errors.New("invalid date")
	ErrInvalidTime     = errors.New("invalid time")
	ErrEmptyPatch      = errors.New("update had no fields")
)

// ValidateInput checks a new task before it is handed to the store.
// The store itself accepts anything; callers that render forms use this.
func ValidateInput(in TaskInput) error {
	if strings.TrimSpace(in.Title) == "" {
		return ErrEmptyTitle
	}
	if !in.Category.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidCategory, in.Category)
	}
	if err := validateDate(in.Date); err != nil {
		return err
	}
	return validateTime(in.Time)
}

// ValidatePatch checks the fields present in a partial update.
func ValidatePatch(p TaskPatch) error {
	if p.Empty() {
		return ErrEmptyPatch
	}
	if p.Title != nil && strings.TrimSpace(*p.Title) == "" {
		return ErrEmptyTitle
	}
	if p.Category != nil && !p.Category.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidCategory, *p.Category)
	}
	if p.Date != nil {
		if err := validateDate(*p.Date); err != nil {
			return err
		}
	}
	if p.Time != nil {
		return validateTime(*p.Time)
	}
	return nil
}

func validateDate(s string) error {
	if s == "" {
		return nil
	}
	if _, err := time.Parse(DateLayout, s); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidDate, s)
	}
	return nil
}

func validateTime(s string) error {
	if s == "" {
		return nil
	}
	if len(s) != len(TimeLayout) {
		return fmt.Errorf("%w: %q", ErrInvalidTime, s)
	}
	if _, err := time.Parse(TimeLayout, s); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidTime, s)
	}
	return nil
}
