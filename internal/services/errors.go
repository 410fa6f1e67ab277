package services

import (
	"context"
	"errors"
	"fmt"

	govalidator "github.com/go-playground/validator/v10"
)

var (
	// ErrGenerationUnavailable is returned when no generation provider is configured.
	ErrGenerationUnavailable = errors.New("generation provider is not configured")

	ErrEmptyQuiz          = errors.New("quiz has no questions")
	ErrUnansweredQuestion = errors.New("current question has not been answered")
	ErrQuestionOutOfRange = errors.New("question index out of range")
	ErrBlankAnswer        = errors.New("answer must not be blank")
	ErrQuizNotStarted     = errors.New("quiz has not started")
	ErrQuizCompleted      = errors.New("quiz is already completed")
	ErrQuizNotCompleted   = errors.New("quiz is not completed")
	ErrAtFirstQuestion    = errors.New("already at the first question")

	ErrNoDueCards       = errors.New("no due cards")
	ErrRecordNotFound   = errors.New("record not found")
	ErrInvalidCode      = errors.New("invalid verification code")
	ErrChallengeExpired = errors.New("verification code expired")
	ErrInvalidPhone     = errors.New("invalid phone number")

	ErrFlowNotFound    = errors.New("study flow not found")
	ErrRunInProgress   = errors.New("an analysis run is already in progress")
	ErrNoAnalysis      = errors.New("flow has no analysis yet")
	ErrFlowChanged     = errors.New("flow was reset or re-analyzed while questions were generated")
	ErrNoQuestions     = errors.New("flow has no questions yet")
	ErrNoUnits         = errors.New("no units selected")
	ErrEmptyMessage    = errors.New("message must not be empty")
	ErrUnauthenticated = errors.New("sign in required")
)

// ExtractionError reports that a unit's content could not be read.
type ExtractionError struct {
	Unit int
	Err  error
}

func (e *ExtractionError) Error() string {
	if e.Unit > 0 {
		return fmt.Sprintf("extract unit %d: %v", e.Unit, e.Err)
	}
	return fmt.Sprintf("extract: %v", e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// TransportError reports that the generation endpoint could not be reached
// or did not answer in time.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return "generation transport: " + e.Err.Error() }

func (e *TransportError) Unwrap() error { return e.Err }

// ServiceError reports that the generation endpoint answered with a failure
// status or an empty completion.
type ServiceError struct {
	Status  int
	Message string
}

func (e *ServiceError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("generation service: status %d: %s", e.Status, e.Message)
	}
	return "generation service: " + e.Message
}

// AggregationError reports that a multi-unit run produced nothing usable.
type AggregationError struct {
	Reason string
}

func (e *AggregationError) Error() string { return "aggregation: " + e.Reason }

// ErrorClass tells the caller what the user can do about a failure.
type ErrorClass string

const (
	ClassRetry    ErrorClass = "retry"
	ClassInput    ErrorClass = "fix-input"
	ClassInternal ErrorClass = "internal"
)

// Classify maps err onto the action a user can take.
func Classify(err error) ErrorClass {
	if err == nil {
		return ""
	}
	var (
		transport   *TransportError
		service     *ServiceError
		aggregation *AggregationError
		extraction  *ExtractionError
		validation  govalidator.ValidationErrors
	)
	switch {
	case errors.As(err, &transport), errors.As(err, &service), errors.As(err, &aggregation):
		return ClassRetry
	case errors.Is(err, ErrGenerationUnavailable), errors.Is(err, context.DeadlineExceeded):
		return ClassRetry
	case errors.As(err, &extraction), errors.As(err, &validation):
		return ClassInput
	case errors.Is(err, ErrEmptyQuiz),
		errors.Is(err, ErrUnansweredQuestion),
		errors.Is(err, ErrQuestionOutOfRange),
		errors.Is(err, ErrBlankAnswer),
		errors.Is(err, ErrQuizNotStarted),
		errors.Is(err, ErrQuizCompleted),
		errors.Is(err, ErrQuizNotCompleted),
		errors.Is(err, ErrAtFirstQuestion),
		errors.Is(err, ErrInvalidCode),
		errors.Is(err, ErrChallengeExpired),
		errors.Is(err, ErrInvalidPhone),
		errors.Is(err, ErrRecordNotFound),
		errors.Is(err, ErrNoDueCards),
		errors.Is(err, ErrNothingToExport),
		errors.Is(err, ErrFlowNotFound),
		errors.Is(err, ErrRunInProgress),
		errors.Is(err, ErrNoAnalysis),
		errors.Is(err, ErrFlowChanged),
		errors.Is(err, ErrNoQuestions),
		errors.Is(err, ErrNoUnits),
		errors.Is(err, ErrEmptyMessage),
		errors.Is(err, ErrUnauthenticated):
		return ClassInput
	default:
		return ClassInternal
	}
}
