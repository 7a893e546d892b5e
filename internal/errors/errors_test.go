package errors

import (
	"errors"
	"net/http"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestErrors(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Structured Errors Suite")
}

var _ = Describe("Structured Errors", func() {
	Describe("AppError", func() {
		It("creates an error with correct properties", func() {
			err := New(ErrorTypeValidation, "test message")

			Expect(err.Type).To(Equal(ErrorTypeValidation))
			Expect(err.Message).To(Equal("test message"))
			Expect(err.StatusCode).To(Equal(http.StatusBadRequest))
			Expect(err.Details).To(BeEmpty())
			Expect(err.Cause).To(BeNil())
		})

		It("implements the error interface", func() {
			err := New(ErrorTypeValidation, "test message")
			Expect(err.Error()).To(Equal("validation: test message"))
		})

		It("includes details in the error string when present", func() {
			err := New(ErrorTypeValidation, "test message").WithDetails("extra info")
			Expect(err.Error()).To(Equal("validation: test message (extra info)"))
		})

		It("wraps an underlying error", func() {
			originalErr := errors.New("original error")
			wrapped := Wrap(originalErr, ErrorTypeWorkerTransport, "dispatch failed")

			Expect(wrapped.Type).To(Equal(ErrorTypeWorkerTransport))
			Expect(wrapped.Cause).To(Equal(originalErr))
			Expect(wrapped.Unwrap()).To(Equal(originalErr))
		})

		It("attaches a repair suggestion", func() {
			err := New(ErrorTypeStepRepairable, "command not found").WithSuggestion("install the missing binary")
			Expect(err.Suggestion).To(Equal("install the missing binary"))
		})
	})

	Describe("HTTP status code mapping", func() {
		DescribeTable("maps each orchestration error type to the expected status",
			func(errType ErrorType, status int) {
				Expect(New(errType, "x").StatusCode).To(Equal(status))
			},
			Entry("validation", ErrorTypeValidation, http.StatusBadRequest),
			Entry("auth", ErrorTypeAuth, http.StatusUnauthorized),
			Entry("not_found", ErrorTypeNotFound, http.StatusNotFound),
			Entry("conflict", ErrorTypeConflict, http.StatusConflict),
			Entry("timeout", ErrorTypeTimeout, http.StatusRequestTimeout),
			Entry("approval_timeout", ErrorTypeApprovalTimeout, http.StatusRequestTimeout),
			Entry("approval_denied", ErrorTypeApprovalDenied, http.StatusForbidden),
			Entry("no_capacity", ErrorTypeNoCapacity, http.StatusServiceUnavailable),
			Entry("cancellation", ErrorTypeCancellation, http.StatusGone),
			Entry("planning", ErrorTypePlanning, http.StatusInternalServerError),
			Entry("step_execution_repairable", ErrorTypeStepRepairable, http.StatusInternalServerError),
			Entry("step_execution_fatal", ErrorTypeStepFatal, http.StatusInternalServerError),
			Entry("worker_transport", ErrorTypeWorkerTransport, http.StatusInternalServerError),
		)
	})

	Describe("error type checking", func() {
		It("identifies AppError types correctly", func() {
			validationErr := NewValidationError("test")
			authErr := NewAuthError("test")

			Expect(IsType(validationErr, ErrorTypeValidation)).To(BeTrue())
			Expect(IsType(validationErr, ErrorTypeAuth)).To(BeFalse())
			Expect(IsType(authErr, ErrorTypeAuth)).To(BeTrue())
		})

		It("treats plain errors as internal", func() {
			regularErr := errors.New("regular error")
			Expect(IsType(regularErr, ErrorTypeValidation)).To(BeFalse())
			Expect(GetType(regularErr)).To(Equal(ErrorTypeInternal))
			Expect(GetStatusCode(regularErr)).To(Equal(http.StatusInternalServerError))
		})
	})

	Describe("safe error messages", func() {
		It("passes validation messages through", func() {
			err := NewValidationError("specific validation message")
			Expect(SafeErrorMessage(err)).To(Equal("specific validation message"))
		})

		It("returns a generic message for internal errors", func() {
			err := New(ErrorTypeDatabase, "internal details")
			Expect(SafeErrorMessage(err)).To(Equal("An internal error occurred"))
		})

		It("returns a generic message for plain errors", func() {
			Expect(SafeErrorMessage(errors.New("internal panic"))).To(Equal("An unexpected error occurred"))
		})
	})

	Describe("logging fields", func() {
		It("includes cause, details, and suggestion when present", func() {
			originalErr := errors.New("connection refused")
			appErr := Wrapf(originalErr, ErrorTypeWorkerTransport, "dispatch to worker failed").
				WithDetails("worker: npu-03").
				WithSuggestion("retry on next-best worker")

			fields := LogFields(appErr)
			Expect(fields).To(HaveKeyWithValue("error_type", "worker_transport"))
			Expect(fields).To(HaveKeyWithValue("error_details", "worker: npu-03"))
			Expect(fields).To(HaveKeyWithValue("suggestion", "retry on next-best worker"))
			Expect(fields).To(HaveKeyWithValue("underlying_error", "connection refused"))
		})

		It("omits optional keys when absent", func() {
			fields := LogFields(NewValidationError("invalid input"))
			Expect(fields).NotTo(HaveKey("error_details"))
			Expect(fields).NotTo(HaveKey("underlying_error"))
			Expect(fields).NotTo(HaveKey("suggestion"))
		})
	})

	Describe("error chaining", func() {
		It("returns nil for no errors", func() {
			Expect(Chain()).To(BeNil())
			Expect(Chain(nil, nil)).To(BeNil())
		})

		It("returns the single error unwrapped", func() {
			originalErr := errors.New("single error")
			Expect(Chain(originalErr)).To(Equal(originalErr))
		})

		It("joins multiple errors with ' -> '", func() {
			err := Chain(errors.New("first"), nil, errors.New("second"))
			Expect(err.Error()).To(Equal("first -> second"))
		})
	})
})
