package server

import (
	"errors"
	"net/http"

	"github.com/voyagecrm/affiliate/internal/authorization"
	contractdomain "github.com/voyagecrm/affiliate/internal/contract/domain"
	ledgerdomain "github.com/voyagecrm/affiliate/internal/ledger/domain"
	profiledomain "github.com/voyagecrm/affiliate/internal/profile/domain"
	saledomain "github.com/voyagecrm/affiliate/internal/sale/domain"
	settlementdomain "github.com/voyagecrm/affiliate/internal/settlement/domain"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return "validation error"
}

type errorPayload struct {
	Type    string            `json:"type"`
	Message string            `json:"message"`
	Errors  []ValidationError `json:"errors,omitempty"`
	Details map[string]int64  `json:"details,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrUnauthorized   = errors.New("unauthorized")
	ErrInvalidRequest = errors.New("invalid_request")
)

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func invalidRequestError() error {
	return newValidationError("request", "invalid_request", "invalid request")
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{
		Errors: []ValidationError{
			{
				Field:   field,
				Code:    code,
				Message: message,
			},
		},
	}
}

func mapError(err error) (int, errorPayload) {
	if err == nil {
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}

	if vErr := asValidationErrors(err); vErr != nil {
		return http.StatusUnprocessableEntity, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  vErr.Errors,
		}
	}

	var hasData *contractdomain.HasDataError
	if errors.As(err, &hasData) {
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: hasData.Error(),
			Details: map[string]int64{
				"leads": hasData.Leads,
				"sales": hasData.Sales,
				"links": hasData.Links,
			},
		}
	}

	switch {
	case errors.Is(err, ErrUnauthorized),
		errors.Is(err, authorization.ErrInvalidActor):
		return http.StatusUnauthorized, errorPayload{
			Type:    "unauthorized",
			Message: "unauthorized",
		}
	case errors.Is(err, authorization.ErrForbidden):
		return http.StatusForbidden, errorPayload{
			Type:    "forbidden",
			Message: "forbidden",
		}
	case isConflictError(err):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: err.Error(),
		}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case isValidationError(err):
		return http.StatusUnprocessableEntity, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors: []ValidationError{
				{Code: err.Error(), Message: "invalid value"},
			},
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

func asValidationErrors(err error) *ValidationErrors {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return vErr
	}
	return nil
}

// Conflicts are requests that lost against current state: already-settled
// ledgers, already-recovered contracts, replays of one-way transitions.
func isConflictError(err error) bool {
	switch {
	case errors.Is(err, ledgerdomain.ErrSettledLedgerImmutable),
		errors.Is(err, settlementdomain.ErrSettlementNotDraft),
		errors.Is(err, contractdomain.ErrAlreadyTerminated),
		errors.Is(err, contractdomain.ErrAlreadyRecovered),
		errors.Is(err, contractdomain.ErrNotTerminated),
		errors.Is(err, contractdomain.ErrInvalidTransition),
		errors.Is(err, contractdomain.ErrNotTrialContract),
		errors.Is(err, saledomain.ErrInvalidSaleState),
		errors.Is(err, profiledomain.ErrRelationAlreadyActive):
		return true
	default:
		return false
	}
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, saledomain.ErrSaleNotFound),
		errors.Is(err, contractdomain.ErrContractNotFound),
		errors.Is(err, settlementdomain.ErrSettlementNotFound),
		errors.Is(err, profiledomain.ErrProfileNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return true
	default:
		return false
	}
}

func isValidationError(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, contractdomain.ErrInvalidKind),
		errors.Is(err, saledomain.ErrAmountMismatch),
		errors.Is(err, profiledomain.ErrInvalidDisplayName),
		errors.Is(err, profiledomain.ErrInvalidRoleKind),
		errors.Is(err, profiledomain.ErrInvalidWithholding),
		errors.Is(err, authorization.ErrInvalidObject),
		errors.Is(err, authorization.ErrInvalidAction):
		return true
	default:
		return false
	}
}
