package lifecycle

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"comparium/internal/maint"
)

// CreateInput is a new schedule request. Zero IntervalDays selects the task
// type's default interval; nil NextDue means now; nil Enabled means true.
type CreateInput struct {
	ParentID     string         `json:"parentId" validate:"required,max=128"`
	TaskType     maint.TaskType `json:"taskType" validate:"required,tasktype"`
	CustomLabel  string         `json:"customLabel" validate:"max=80"`
	IntervalDays int            `json:"intervalDays" validate:"omitempty,min=1,max=365"`
	NextDue      *time.Time     `json:"nextDue"`
	Enabled      *bool          `json:"enabled"`
}

// Patch holds the fields an update may change; nil leaves a field alone.
type Patch struct {
	TaskType     *maint.TaskType `json:"taskType" validate:"omitempty,tasktype"`
	CustomLabel  *string         `json:"customLabel" validate:"omitempty,max=80"`
	IntervalDays *int            `json:"intervalDays" validate:"omitempty,min=1,max=365"`
	NextDue      *time.Time      `json:"nextDue"`
	Enabled      *bool           `json:"enabled"`
}

// EventInput is a manually logged maintenance action.
type EventInput struct {
	ParentID   string          `json:"parentId" validate:"required,max=128"`
	Type       maint.EventType `json:"type" validate:"required,eventtype"`
	OccurredAt *time.Time      `json:"occurredAt"`
	Notes      string          `json:"notes" validate:"max=2000"`
	Data       maint.EventData `json:"-"`
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("tasktype", func(fl validator.FieldLevel) bool {
		return maint.TaskType(fl.Field().String()).Valid()
	})
	_ = v.RegisterValidation("eventtype", func(fl validator.FieldLevel) bool {
		return maint.EventType(fl.Field().String()).Valid()
	})
	return v
}

// toValidationError maps the first validator failure onto the domain error.
func toValidationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return &maint.ValidationError{Reason: err.Error()}
	}
	fe := verrs[0]
	var reason string
	switch fe.Tag() {
	case "required":
		reason = "required"
	case "min":
		reason = "must be at least " + fe.Param()
	case "max":
		if fe.Kind() == reflect.String {
			reason = "must be at most " + fe.Param() + " characters"
		} else {
			reason = "must be at most " + fe.Param()
		}
	case "tasktype":
		reason = fmt.Sprintf("unknown task type %q", fe.Value())
	case "eventtype":
		reason = fmt.Sprintf("unknown event type %q", fe.Value())
	default:
		reason = "failed " + fe.Tag()
	}
	return &maint.ValidationError{Field: fe.Field(), Reason: reason}
}
