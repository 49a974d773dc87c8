package repository

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/learnhub/enrollment-api/internal/models"
)

func newEnrollmentRepoMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	return sqlx.NewDb(db, "sqlmock"), mock, func() { db.Close() }
}

func TestComputeProgress(t *testing.T) {
	assert.Equal(t, 0.0, ComputeProgress(0, 0))
	assert.Equal(t, 0.0, ComputeProgress(3, 0))
	assert.Equal(t, 0.0, ComputeProgress(0, 4))
	assert.Equal(t, 25.0, ComputeProgress(1, 4))
	assert.Equal(t, 33.33, ComputeProgress(1, 3))
	assert.Equal(t, 66.67, ComputeProgress(2, 3))
	assert.Equal(t, 14.29, ComputeProgress(1, 7))
	assert.Equal(t, 100.0, ComputeProgress(4, 4))
}

func TestEnrollmentRepositoryCreateSnapshots(t *testing.T) {
	db, mock, cleanup := newEnrollmentRepoMock(t)
	defer cleanup()
	repo := NewEnrollmentRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO enrollments")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO enrollment_modules")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO enrollment_lessons")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO enrollment_lessons")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE courses SET enrollments_count = enrollments_count + 1")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	enrollment := &models.Enrollment{StudentID: "s1", CourseID: "crs-1"}
	structure := []models.ModuleStructure{
		{
			Module: models.CourseModule{ID: "m1", CourseID: "crs-1", Title: "Basics", Position: 1},
			Lessons: []models.Lesson{
				{ID: "l1", ModuleID: "m1", Title: "Hello", Type: models.LessonTypeVideo, Position: 1},
				{ID: "l2", ModuleID: "m1", Title: "Types", Type: models.LessonTypeText, Position: 2},
			},
		},
	}
	require.NoError(t, repo.Create(context.Background(), enrollment, structure))
	assert.NotEmpty(t, enrollment.ID)
	assert.Equal(t, models.EnrollmentStatusActive, enrollment.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrollmentRepositoryCreateDuplicate(t *testing.T) {
	db, mock, cleanup := newEnrollmentRepoMock(t)
	defer cleanup()
	repo := NewEnrollmentRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO enrollments")).
		WillReturnError(&pq.Error{Code: "23505", Constraint: "enrollments_student_course_active"})
	mock.ExpectRollback()

	err := repo.Create(context.Background(), &models.Enrollment{StudentID: "s1", CourseID: "crs-1"}, nil)
	assert.ErrorIs(t, err, ErrDuplicateEnrollment)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrollmentRepositoryUpdateLessonProgressUnknownLesson(t *testing.T) {
	db, mock, cleanup := newEnrollmentRepoMock(t)
	defer cleanup()
	repo := NewEnrollmentRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE")).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("e1"))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE enrollment_lessons")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	_, err := repo.UpdateLessonProgress(context.Background(), "e1", "m1", "ghost", true, 0, time.Now())
	assert.ErrorIs(t, err, ErrLessonNotInEnrollment)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrollmentRepositoryUpdateLessonProgressLocksEnrollment(t *testing.T) {
	db, mock, cleanup := newEnrollmentRepoMock(t)
	defer cleanup()
	repo := NewEnrollmentRepository(db)

	// The enrollment row lock comes first; a missing row ends the
	// transaction before any lesson write.
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id FROM enrollments WHERE id = $1 FOR UPDATE")).
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectRollback()

	_, err := repo.UpdateLessonProgress(context.Background(), "ghost", "m1", "l1", true, 0, time.Now())
	assert.ErrorIs(t, err, sql.ErrNoRows)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrollmentRepositoryUpdateLessonProgressCompletes(t *testing.T) {
	db, mock, cleanup := newEnrollmentRepoMock(t)
	defer cleanup()
	repo := NewEnrollmentRepository(db)

	now := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE")).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("e1"))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE enrollment_lessons")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE enrollment_modules")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COALESCE(SUM(total_lessons), 0)")).
		WillReturnRows(sqlmock.NewRows([]string{"total", "done"}).AddRow(4, 4))
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE enrollments")).
		WillReturnRows(sqlmock.NewRows([]string{"status", "completed_at"}).AddRow("COMPLETED", now))
	mock.ExpectCommit()

	totals, err := repo.UpdateLessonProgress(context.Background(), "e1", "m2", "l4", true, 120, now)
	require.NoError(t, err)
	assert.Equal(t, 4, totals.TotalLessons)
	assert.Equal(t, 4, totals.CompletedLessons)
	assert.Equal(t, 100.0, totals.Progress)
	assert.Equal(t, models.EnrollmentStatusCompleted, totals.Status)
	require.NotNil(t, totals.CompletedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrollmentRepositoryUncheckAfterCompletionKeepsStatus(t *testing.T) {
	db, mock, cleanup := newEnrollmentRepoMock(t)
	defer cleanup()
	repo := NewEnrollmentRepository(db)

	completedAt := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	now := completedAt.Add(48 * time.Hour)

	// Un-checking a lesson drops the percentage below 100, but the CASE
	// guard on completed_at leaves the status and timestamp untouched.
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE")).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("e1"))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE enrollment_lessons")).
		WithArgs("e1", "m2", "l4", false, 0, now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE enrollment_modules")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COALESCE(SUM(total_lessons), 0)")).
		WillReturnRows(sqlmock.NewRows([]string{"total", "done"}).AddRow(4, 3))
	mock.ExpectQuery(regexp.QuoteMeta("CASE WHEN completed_at IS NULL")).
		WillReturnRows(sqlmock.NewRows([]string{"status", "completed_at"}).AddRow("COMPLETED", completedAt))
	mock.ExpectCommit()

	totals, err := repo.UpdateLessonProgress(context.Background(), "e1", "m2", "l4", false, 0, now)
	require.NoError(t, err)
	assert.Equal(t, 75.0, totals.Progress)
	assert.Equal(t, models.EnrollmentStatusCompleted, totals.Status)
	require.NotNil(t, totals.CompletedAt)
	assert.Equal(t, completedAt, *totals.CompletedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrollmentRepositoryUpdateStatusDecrementsCounter(t *testing.T) {
	db, mock, cleanup := newEnrollmentRepoMock(t)
	defer cleanup()
	repo := NewEnrollmentRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("AND status = 'ACTIVE'")).
		WillReturnRows(sqlmock.NewRows([]string{"course_id"}).AddRow("crs-1"))
	mock.ExpectExec(regexp.QuoteMeta("GREATEST(enrollments_count - 1, 0)")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	reason := "refund"
	applied, err := repo.UpdateStatus(context.Background(), "e1", models.EnrollmentStatusRefunded, &reason, true)
	require.NoError(t, err)
	assert.True(t, applied)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrollmentRepositoryUpdateStatusAlreadyTransitioned(t *testing.T) {
	db, mock, cleanup := newEnrollmentRepoMock(t)
	defer cleanup()
	repo := NewEnrollmentRepository(db)

	// The row is no longer ACTIVE, so the guarded UPDATE matches nothing
	// and the counter is never touched.
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("AND status = 'ACTIVE'")).
		WillReturnRows(sqlmock.NewRows([]string{"course_id"}))
	mock.ExpectRollback()

	reason := "refund"
	applied, err := repo.UpdateStatus(context.Background(), "e1", models.EnrollmentStatusRefunded, &reason, true)
	require.NoError(t, err)
	assert.False(t, applied)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrollmentRepositoryUpdateStatusWithoutCounter(t *testing.T) {
	db, mock, cleanup := newEnrollmentRepoMock(t)
	defer cleanup()
	repo := NewEnrollmentRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE enrollments SET status")).
		WillReturnRows(sqlmock.NewRows([]string{"course_id"}).AddRow("crs-1"))
	mock.ExpectCommit()

	applied, err := repo.UpdateStatus(context.Background(), "e1", models.EnrollmentStatusDropped, nil, false)
	require.NoError(t, err)
	assert.True(t, applied)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrollmentRepositoryIssueCertificateConditional(t *testing.T) {
	db, mock, cleanup := newEnrollmentRepoMock(t)
	defer cleanup()
	repo := NewEnrollmentRepository(db)

	issuedAt := time.Now().UTC()

	mock.ExpectExec(regexp.QuoteMeta("SET certificate_issued = TRUE")).
		WithArgs("e1", "cert-1", "certificates/e1.pdf", issuedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))
	issued, err := repo.IssueCertificate(context.Background(), "e1", "cert-1", "certificates/e1.pdf", issuedAt)
	require.NoError(t, err)
	assert.True(t, issued)

	// Second attempt matches zero rows because the guard column flipped.
	mock.ExpectExec(regexp.QuoteMeta("SET certificate_issued = TRUE")).
		WithArgs("e1", "cert-2", "certificates/e1.pdf", issuedAt).
		WillReturnResult(sqlmock.NewResult(0, 0))
	issued, err = repo.IssueCertificate(context.Background(), "e1", "cert-2", "certificates/e1.pdf", issuedAt)
	require.NoError(t, err)
	assert.False(t, issued)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrollmentRepositoryFindByID(t *testing.T) {
	db, mock, cleanup := newEnrollmentRepoMock(t)
	defer cleanup()
	repo := NewEnrollmentRepository(db)

	enrolledAt := time.Now().UTC()
	rows := sqlmock.NewRows([]string{
		"id", "student_id", "course_id", "status", "progress", "payment_id", "enrolled_at",
		"completed_at", "last_accessed_at", "cancelled_reason", "certificate_issued",
		"certificate_id", "certificate_issued_at", "certificate_url",
	}).AddRow("e1", "s1", "crs-1", "ACTIVE", 25.0, nil, enrolledAt, nil, nil, nil, false, nil, nil, nil)
	mock.ExpectQuery(regexp.QuoteMeta("FROM enrollments WHERE id = $1")).
		WithArgs("e1").
		WillReturnRows(rows)

	enrollment, err := repo.FindByID(context.Background(), "e1")
	require.NoError(t, err)
	assert.Equal(t, "s1", enrollment.StudentID)
	assert.Equal(t, models.EnrollmentStatusActive, enrollment.Status)
	assert.InDelta(t, 25.0, enrollment.Progress, 0.001)
	require.NoError(t, mock.ExpectationsWereMet())
}
