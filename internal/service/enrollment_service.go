package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/learnhub/enrollment-api/internal/models"
	"github.com/learnhub/enrollment-api/internal/repository"
	appErrors "github.com/learnhub/enrollment-api/pkg/errors"
)

type enrollmentRepository interface {
	Create(ctx context.Context, enrollment *models.Enrollment, structure []models.ModuleStructure) error
	FindByID(ctx context.Context, id string) (*models.Enrollment, error)
	FindDetailByID(ctx context.Context, id string) (*models.EnrollmentDetail, error)
	FindByPaymentID(ctx context.Context, paymentID string) (*models.Enrollment, error)
	List(ctx context.Context, filter models.EnrollmentFilter) ([]models.EnrollmentDetail, int, error)
	UpdateLessonProgress(ctx context.Context, enrollmentID, moduleID, lessonID string, completed bool, timeSpentDelta int, now time.Time) (*models.ProgressTotals, error)
	UpdateStatus(ctx context.Context, id string, status models.EnrollmentStatus, reason *string, adjustCounter bool) (bool, error)
	ProgressTotals(ctx context.Context, enrollmentID string) (total, done int, err error)
}

type userReader interface {
	FindByID(ctx context.Context, id string) (*models.User, error)
}

type progressCache interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// EnrollRequest describes a student-initiated enrollment.
type EnrollRequest struct {
	CourseID  string  `json:"course_id" validate:"required"`
	PaymentID *string `json:"payment_id,omitempty"`
}

// ServiceEnrollRequest describes an enrollment created on behalf of a
// completed payment.
type ServiceEnrollRequest struct {
	StudentID string `json:"student_id" validate:"required"`
	CourseID  string `json:"course_id" validate:"required"`
	PaymentID string `json:"payment_id" validate:"required"`
}

// UpdateLessonProgressRequest mutates one lesson of one enrollment.
type UpdateLessonProgressRequest struct {
	ModuleID         string `json:"module_id" validate:"required"`
	LessonID         string `json:"lesson_id" validate:"required"`
	Completed        bool   `json:"completed"`
	TimeSpentSeconds int    `json:"time_spent" validate:"gte=0"`
}

// CancelEnrollmentRequest carries the optional cancellation reason.
type CancelEnrollmentRequest struct {
	Reason string `json:"reason,omitempty"`
}

// RevokeEnrollmentRequest is the payment-service revoke payload.
type RevokeEnrollmentRequest struct {
	PaymentID string `json:"payment_id,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// EnrollmentOptions tunes lifecycle behaviour.
type EnrollmentOptions struct {
	CancellationWindow time.Duration
	ProgressCacheTTL   time.Duration
}

// EnrollmentService orchestrates the enrollment lifecycle: creation with a
// catalog snapshot, progress aggregation, cancellation and refund revocation.
type EnrollmentService struct {
	repo      enrollmentRepository
	catalog   courseCatalog
	users     userReader
	cache     progressCache
	validator *validator.Validate
	logger    *zap.Logger
	options   EnrollmentOptions

	now func() time.Time
}

// NewEnrollmentService constructs EnrollmentService.
func NewEnrollmentService(repo enrollmentRepository, catalog courseCatalog, users userReader, cache progressCache, validate *validator.Validate, logger *zap.Logger, options EnrollmentOptions) *EnrollmentService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if options.CancellationWindow <= 0 {
		options.CancellationWindow = 24 * time.Hour
	}
	if options.ProgressCacheTTL <= 0 {
		options.ProgressCacheTTL = 5 * time.Minute
	}
	return &EnrollmentService{
		repo:      repo,
		catalog:   catalog,
		users:     users,
		cache:     cache,
		validator: validate,
		logger:    logger,
		options:   options,
		now:       time.Now,
	}
}

// Enroll registers the requesting student into a published course. The
// course's current module/lesson structure is frozen into the enrollment;
// later catalog edits do not resize existing enrollments.
func (s *EnrollmentService) Enroll(ctx context.Context, studentID string, req EnrollRequest) (*models.EnrollmentDetail, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid enrollment payload")
	}
	return s.enroll(ctx, studentID, req.CourseID, req.PaymentID)
}

// EnrollForService registers a student on behalf of a completed payment.
func (s *EnrollmentService) EnrollForService(ctx context.Context, req ServiceEnrollRequest) (*models.EnrollmentDetail, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid enrollment payload")
	}
	student, err := s.users.FindByID(ctx, req.StudentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "student not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load student")
	}
	if !student.Active {
		return nil, appErrors.Clone(appErrors.ErrInvalidState, "student account inactive")
	}
	return s.enroll(ctx, req.StudentID, req.CourseID, &req.PaymentID)
}

func (s *EnrollmentService) enroll(ctx context.Context, studentID, courseID string, paymentID *string) (*models.EnrollmentDetail, error) {
	course, err := s.catalog.FindByID(ctx, courseID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "course not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load course")
	}
	if course.Status != models.CourseStatusPublished {
		return nil, appErrors.Clone(appErrors.ErrInvalidState, "course is not published")
	}

	structure, err := s.catalog.Structure(ctx, courseID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to snapshot course structure")
	}

	enrollment := &models.Enrollment{
		StudentID:  studentID,
		CourseID:   courseID,
		Status:     models.EnrollmentStatusActive,
		PaymentID:  paymentID,
		EnrolledAt: s.now().UTC(),
	}
	if err := s.repo.Create(ctx, enrollment, structure); err != nil {
		if errors.Is(err, repository.ErrDuplicateEnrollment) {
			return nil, appErrors.Clone(appErrors.ErrConflict, "student already enrolled in this course")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create enrollment")
	}

	detail, err := s.repo.FindDetailByID(ctx, enrollment.ID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load enrollment detail")
	}
	return detail, nil
}

// List returns the student's enrollments with pagination metadata.
func (s *EnrollmentService) List(ctx context.Context, studentID string, filter models.EnrollmentFilter) ([]models.EnrollmentDetail, *models.Pagination, error) {
	filter.StudentID = studentID
	enrollments, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list enrollments")
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 {
		size = 20
	}
	pagination := &models.Pagination{Page: page, PageSize: size, TotalCount: total}
	return enrollments, pagination, nil
}

// Progress returns the lightweight progress snapshot for an enrollment,
// served from cache when possible. The second return reports a cache hit.
func (s *EnrollmentService) Progress(ctx context.Context, enrollmentID, studentID string) (*models.ProgressSnapshot, bool, error) {
	key := progressCacheKey(enrollmentID)
	if s.cache != nil {
		var cached models.ProgressSnapshot
		if err := s.cache.Get(ctx, key, &cached); err == nil {
			if cached.EnrollmentID == enrollmentID {
				if err := s.authorize(ctx, enrollmentID, studentID); err != nil {
					return nil, false, err
				}
				return &cached, true, nil
			}
		}
	}

	detail, err := s.loadOwned(ctx, enrollmentID, studentID)
	if err != nil {
		return nil, false, err
	}

	total, done, err := s.repo.ProgressTotals(ctx, enrollmentID)
	if err != nil {
		return nil, false, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to aggregate progress")
	}

	snapshot := &models.ProgressSnapshot{
		EnrollmentID:     detail.ID,
		CourseID:         detail.CourseID,
		CourseTitle:      detail.CourseTitle,
		Status:           detail.Status,
		Progress:         detail.Progress,
		TotalLessons:     total,
		CompletedLessons: done,
		EnrolledAt:       detail.EnrolledAt,
		CompletedAt:      detail.CompletedAt,
		LastAccessedAt:   detail.LastAccessedAt,
	}
	if s.cache != nil {
		if err := s.cache.Set(ctx, key, snapshot, s.options.ProgressCacheTTL); err != nil {
			s.logger.Warn("failed to cache progress snapshot", zap.Error(err))
		}
	}
	return snapshot, false, nil
}

// Get returns the full enrollment detail for its owner.
func (s *EnrollmentService) Get(ctx context.Context, enrollmentID, studentID string) (*models.EnrollmentDetail, error) {
	return s.loadOwned(ctx, enrollmentID, studentID)
}

// UpdateLessonProgress applies one lesson mutation and recomputes the
// aggregates. Marking an already-completed lesson completed again is a no-op
// apart from accumulating time spent.
func (s *EnrollmentService) UpdateLessonProgress(ctx context.Context, enrollmentID, studentID string, req UpdateLessonProgressRequest) (*models.EnrollmentDetail, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid progress payload")
	}

	enrollment, err := s.loadOwnedRecord(ctx, enrollmentID, studentID)
	if err != nil {
		return nil, err
	}
	switch enrollment.Status {
	case models.EnrollmentStatusRefunded:
		return nil, appErrors.Clone(appErrors.ErrInvalidState, "enrollment access has been revoked")
	case models.EnrollmentStatusDropped:
		return nil, appErrors.Clone(appErrors.ErrInvalidState, "enrollment has been dropped")
	}

	totals, err := s.repo.UpdateLessonProgress(ctx, enrollmentID, req.ModuleID, req.LessonID, req.Completed, req.TimeSpentSeconds, s.now().UTC())
	if err != nil {
		if errors.Is(err, repository.ErrLessonNotInEnrollment) {
			return nil, appErrors.Clone(appErrors.ErrInvalidReference, "module or lesson does not belong to this enrollment")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update lesson progress")
	}

	if totals.Status == models.EnrollmentStatusCompleted && enrollment.Status == models.EnrollmentStatusActive {
		s.logger.Info("enrollment completed",
			zap.String("enrollment_id", enrollmentID),
			zap.String("course_id", enrollment.CourseID),
			zap.Float64("progress", totals.Progress))
	}

	s.invalidateProgress(ctx, enrollmentID)

	detail, err := s.repo.FindDetailByID(ctx, enrollmentID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load enrollment detail")
	}
	return detail, nil
}

// Cancel refunds an active enrollment when requested by its owner inside the
// cancellation window (wall-clock difference from enrolled_at).
func (s *EnrollmentService) Cancel(ctx context.Context, enrollmentID, studentID string, req CancelEnrollmentRequest) (*models.EnrollmentDetail, error) {
	enrollment, err := s.loadOwnedRecord(ctx, enrollmentID, studentID)
	if err != nil {
		return nil, err
	}
	if enrollment.Status != models.EnrollmentStatusActive {
		return nil, appErrors.Clone(appErrors.ErrInvalidState, fmt.Sprintf("enrollment is %s and cannot be cancelled", enrollment.Status))
	}
	if s.now().UTC().Sub(enrollment.EnrolledAt) > s.options.CancellationWindow {
		return nil, appErrors.Clone(appErrors.ErrInvalidState, "cancellation period expired")
	}

	var reason *string
	if req.Reason != "" {
		reason = &req.Reason
	}
	applied, err := s.repo.UpdateStatus(ctx, enrollmentID, models.EnrollmentStatusRefunded, reason, true)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to cancel enrollment")
	}
	if !applied {
		// A concurrent transition beat this cancellation.
		refreshed, err := s.repo.FindByID(ctx, enrollmentID)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load enrollment")
		}
		return nil, appErrors.Clone(appErrors.ErrInvalidState, fmt.Sprintf("enrollment is %s and cannot be cancelled", refreshed.Status))
	}

	s.invalidateProgress(ctx, enrollmentID)

	detail, err := s.repo.FindDetailByID(ctx, enrollmentID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load enrollment detail")
	}
	return detail, nil
}

// Revoke cancels an enrollment on behalf of a processed refund. Revoking an
// already-refunded enrollment is a no-op so at-least-once delivery from the
// payment side stays safe.
func (s *EnrollmentService) Revoke(ctx context.Context, enrollmentID string, req RevokeEnrollmentRequest) (*models.EnrollmentDetail, error) {
	enrollment, err := s.repo.FindByID(ctx, enrollmentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "enrollment not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load enrollment")
	}

	if req.PaymentID != "" && enrollment.PaymentID != nil && *enrollment.PaymentID != req.PaymentID {
		return nil, appErrors.Clone(appErrors.ErrInvalidReference, "payment does not match enrollment")
	}

	switch enrollment.Status {
	case models.EnrollmentStatusRefunded:
		// Duplicate delivery; report current state.
		return s.repo.FindDetailByID(ctx, enrollmentID)
	case models.EnrollmentStatusActive:
		reason := "payment refunded"
		if req.Reason != "" {
			reason = req.Reason
		}
		applied, err := s.repo.UpdateStatus(ctx, enrollmentID, models.EnrollmentStatusRefunded, &reason, true)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to revoke enrollment")
		}
		if !applied {
			// The status changed between the read and the write. A concurrent
			// revoke or cancel already refunded the seat, which keeps this
			// delivery a no-op; any other transition rejects it.
			refreshed, err := s.repo.FindByID(ctx, enrollmentID)
			if err != nil {
				return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load enrollment")
			}
			if refreshed.Status != models.EnrollmentStatusRefunded {
				return nil, appErrors.Clone(appErrors.ErrInvalidState, fmt.Sprintf("enrollment is %s and cannot be revoked", refreshed.Status))
			}
		}
	default:
		return nil, appErrors.Clone(appErrors.ErrInvalidState, fmt.Sprintf("enrollment is %s and cannot be revoked", enrollment.Status))
	}

	s.invalidateProgress(ctx, enrollmentID)

	detail, err := s.repo.FindDetailByID(ctx, enrollmentID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load enrollment detail")
	}
	return detail, nil
}

func (s *EnrollmentService) loadOwnedRecord(ctx context.Context, enrollmentID, studentID string) (*models.Enrollment, error) {
	enrollment, err := s.repo.FindByID(ctx, enrollmentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "enrollment not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load enrollment")
	}
	if enrollment.StudentID != studentID {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "enrollment belongs to another student")
	}
	return enrollment, nil
}

func (s *EnrollmentService) loadOwned(ctx context.Context, enrollmentID, studentID string) (*models.EnrollmentDetail, error) {
	detail, err := s.repo.FindDetailByID(ctx, enrollmentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "enrollment not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load enrollment")
	}
	if detail.StudentID != studentID {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "enrollment belongs to another student")
	}
	return detail, nil
}

func (s *EnrollmentService) authorize(ctx context.Context, enrollmentID, studentID string) error {
	_, err := s.loadOwnedRecord(ctx, enrollmentID, studentID)
	return err
}

func (s *EnrollmentService) invalidateProgress(ctx context.Context, enrollmentID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, progressCacheKey(enrollmentID)); err != nil {
		s.logger.Warn("failed to invalidate progress cache", zap.Error(err))
	}
}

func progressCacheKey(enrollmentID string) string {
	return "progress:" + enrollmentID
}
