package domain_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ramiqadoumi/go-part-flow/internal/domain"
)

func TestJobNotFoundError(t *testing.T) {
	err := &domain.JobNotFoundError{JobID: "abc-123"}
	if !strings.Contains(err.Error(), "abc-123") {
		t.Errorf("error message should contain job ID, got: %q", err.Error())
	}
}

func TestCancelConflictError(t *testing.T) {
	err := &domain.CancelConflictError{JobID: "xyz-789", Status: domain.StatusCompleted}
	msg := err.Error()
	assert.Contains(t, msg, "xyz-789")
	assert.Contains(t, msg, "completed")
}

func TestExecutionError_NamesKindAndSpec(t *testing.T) {
	err := &domain.ExecutionError{Kind: domain.FailureCompiler, Spec: 2, Err: errors.New("exit status 1")}
	assert.Equal(t, "compiler failure: spec 2: exit status 1", err.Error())

	whole := &domain.ExecutionError{Kind: domain.FailurePackaging, Spec: -1, Err: errors.New("disk full")}
	assert.Equal(t, "packaging failure: disk full", whole.Error())
}

func TestExecutionError_Unwraps(t *testing.T) {
	err := fmt.Errorf("run: %w", &domain.ExecutionError{
		Kind: domain.FailureTimeout, Spec: 0, Err: context.DeadlineExceeded,
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	var execErr *domain.ExecutionError
	assert.ErrorAs(t, err, &execErr)
	assert.Equal(t, domain.FailureTimeout, execErr.Kind)
}

func TestAllErrorTypesImplementError(t *testing.T) {
	var _ error = &domain.JobNotFoundError{}
	var _ error = &domain.SubmissionConflictError{}
	var _ error = &domain.CancelConflictError{}
	var _ error = &domain.LeaseLostError{}
	var _ error = &domain.InconsistentStateError{}
	var _ error = &domain.InvalidSpecError{}
	var _ error = &domain.ExecutionError{}
}
