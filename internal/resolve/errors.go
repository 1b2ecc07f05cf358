package resolve

import (
	"errors"

	"github.com/sells-group/studyforge/internal/model"
)

// Merge refusal reasons. Test with errors.Is.
var (
	ErrSelfMerge         = errors.New("resolve: cannot merge an entity into itself")
	ErrBothMerged        = errors.New("resolve: source and target are both merged")
	ErrMergeConflict     = errors.New("resolve: source is already merged into another target")
	ErrTargetMerged      = errors.New("resolve: target is merged")
	ErrConceptDisabled   = errors.New("resolve: disabled concepts cannot be merged")
	ErrIncompatibleTypes = errors.New("resolve: source and target are incompatible")
)

// MergeError carries a refusal reason together with the taxonomy error the
// API maps to a status code. errors.Is matches the reason; errors.As
// matches the ValidationError or StateConflictError.
type MergeError struct {
	Reason error
	Cause  error
}

func (e *MergeError) Error() string { return e.Cause.Error() }

func (e *MergeError) Unwrap() []error { return []error{e.Reason, e.Cause} }

func refuseInvalid(reason error, field string) error {
	return &MergeError{Reason: reason, Cause: model.NewValidationError(field, "%s", reason.Error())}
}

func refuseConflict(reason error, entity, id, current, handle string) error {
	return &MergeError{Reason: reason, Cause: &model.StateConflictError{
		Entity: entity, ID: id, Current: current, Reason: reason.Error(), Handle: handle,
	}}
}
