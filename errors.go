package stageflow

import (
	stderrors "errors"

	apperrors "github.com/goliatone/go-errors"
)

const (
	ErrCodeRequiredFieldMissing    = "REQUIRED_FIELD_MISSING"
	ErrCodeInvalidStageForPipeline = "INVALID_STAGE_FOR_PIPELINE"
	ErrCodeRecordNotFound          = "RECORD_NOT_FOUND"
	ErrCodeStageNotFound           = "STAGE_NOT_FOUND"
	ErrCodeStageConflict           = "STAGE_CONFLICT"
	ErrCodeActionDeliveryFailed    = "ACTION_DELIVERY_FAILED"
	ErrCodeScanTickFailed          = "SCAN_TICK_FAILED"
)

var (
	// ErrRequiredFieldMissing rejects a transition whose target stage guard
	// is not satisfied. The missing field keys travel in error metadata.
	ErrRequiredFieldMissing = apperrors.New("required fields missing", apperrors.CategoryValidation).
				WithTextCode(ErrCodeRequiredFieldMissing)

	// ErrInvalidStageForPipeline rejects a transition toward a stage that
	// does not belong to the record's pipeline.
	ErrInvalidStageForPipeline = apperrors.New("stage does not belong to the record's pipeline", apperrors.CategoryBadInput).
					WithTextCode(ErrCodeInvalidStageForPipeline)

	ErrRecordNotFound = apperrors.New("record not found", apperrors.CategoryBadInput).
				WithTextCode(ErrCodeRecordNotFound)

	ErrStageNotFound = apperrors.New("stage not found", apperrors.CategoryBadInput).
				WithTextCode(ErrCodeStageNotFound)

	// ErrStageConflict signals a lost compare-and-set on the record's
	// current stage.
	ErrStageConflict = apperrors.New("record stage changed concurrently", apperrors.CategoryConflict).
				WithTextCode(ErrCodeStageConflict)

	ErrActionDeliveryFailed = apperrors.New("action delivery failed", apperrors.CategoryExternal).
				WithTextCode(ErrCodeActionDeliveryFailed)

	ErrScanTickFailed = apperrors.New("duration scan tick failed", apperrors.CategoryHandler).
				WithTextCode(ErrCodeScanTickFailed)
)

// RequiredFieldsError builds a RequiredFieldMissing error carrying the
// missing field keys.
func RequiredFieldsError(fields []string) error {
	err := ErrRequiredFieldMissing.Clone()
	return err.WithMetadata(map[string]any{"missing_fields": fields})
}

// MissingFields extracts the missing field keys from a
// RequiredFieldMissing error, or nil for other errors.
func MissingFields(err error) []string {
	var ge *apperrors.Error
	if !stderrors.As(err, &ge) || ge.TextCode != ErrCodeRequiredFieldMissing {
		return nil
	}
	raw, ok := ge.Metadata["missing_fields"]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// ErrorCode returns the go-errors text code for err, or "" when err does not
// carry one.
func ErrorCode(err error) string {
	var ge *apperrors.Error
	if stderrors.As(err, &ge) {
		return ge.TextCode
	}
	return ""
}
