package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/learnhub/enrollment-api/internal/models"
)

// Sentinel errors surfaced to the service layer for translation.
var (
	// ErrDuplicateEnrollment signals the (student, course) unique index fired.
	ErrDuplicateEnrollment = errors.New("enrollment already exists for student and course")
	// ErrLessonNotInEnrollment signals the (module, lesson) pair does not
	// belong to the enrollment's snapshot.
	ErrLessonNotInEnrollment = errors.New("lesson does not belong to enrollment")
)

const pgUniqueViolation = "23505"

// EnrollmentRepository handles persistence of enrollments and their nested
// progress rows. All multi-row mutations run in a single transaction so a
// partial update is never visible.
type EnrollmentRepository struct {
	db *sqlx.DB
}

// NewEnrollmentRepository constructs the repository.
func NewEnrollmentRepository(db *sqlx.DB) *EnrollmentRepository {
	return &EnrollmentRepository{db: db}
}

// Create persists a new enrollment together with its module/lesson snapshot
// and bumps the course's denormalized counter atomically. The partial unique
// index on (student_id, course_id) closes the duplicate race; violations map
// to ErrDuplicateEnrollment.
func (r *EnrollmentRepository) Create(ctx context.Context, enrollment *models.Enrollment, structure []models.ModuleStructure) error {
	if enrollment.ID == "" {
		enrollment.ID = uuid.NewString()
	}
	if enrollment.EnrolledAt.IsZero() {
		enrollment.EnrolledAt = time.Now().UTC()
	}
	if enrollment.Status == "" {
		enrollment.Status = models.EnrollmentStatusActive
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create enrollment: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	const insertEnrollment = `INSERT INTO enrollments (id, student_id, course_id, status, progress, payment_id, enrolled_at)
        VALUES (:id, :student_id, :course_id, :status, 0, :payment_id, :enrolled_at)`
	if _, err := tx.NamedExecContext(ctx, insertEnrollment, enrollment); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pgUniqueViolation {
			return ErrDuplicateEnrollment
		}
		return fmt.Errorf("create enrollment: %w", err)
	}

	const insertModule = `INSERT INTO enrollment_modules (enrollment_id, module_id, title, position, total_lessons, completed_lessons)
        VALUES ($1, $2, $3, $4, $5, 0)`
	const insertLesson = `INSERT INTO enrollment_lessons (enrollment_id, module_id, lesson_id, title, type, position, completed, time_spent_seconds)
        VALUES ($1, $2, $3, $4, $5, $6, FALSE, 0)`
	for _, entry := range structure {
		if _, err := tx.ExecContext(ctx, insertModule,
			enrollment.ID, entry.Module.ID, entry.Module.Title, entry.Module.Position, len(entry.Lessons)); err != nil {
			return fmt.Errorf("snapshot module %s: %w", entry.Module.ID, err)
		}
		for _, lesson := range entry.Lessons {
			if _, err := tx.ExecContext(ctx, insertLesson,
				enrollment.ID, entry.Module.ID, lesson.ID, lesson.Title, lesson.Type, lesson.Position); err != nil {
				return fmt.Errorf("snapshot lesson %s: %w", lesson.ID, err)
			}
		}
	}

	const bumpCounter = `UPDATE courses SET enrollments_count = enrollments_count + 1, updated_at = $2 WHERE id = $1`
	if _, err := tx.ExecContext(ctx, bumpCounter, enrollment.CourseID, time.Now().UTC()); err != nil {
		return fmt.Errorf("increment course counter: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create enrollment: %w", err)
	}
	return nil
}

// FindByID returns an enrollment by its ID.
func (r *EnrollmentRepository) FindByID(ctx context.Context, id string) (*models.Enrollment, error) {
	const query = `SELECT id, student_id, course_id, status, progress, payment_id, enrolled_at, completed_at,
        last_accessed_at, cancelled_reason, certificate_issued, certificate_id, certificate_issued_at, certificate_url
        FROM enrollments WHERE id = $1`
	var enrollment models.Enrollment
	if err := r.db.GetContext(ctx, &enrollment, query, id); err != nil {
		return nil, err
	}
	return &enrollment, nil
}

// FindDetailByID returns an enrollment with its nested module/lesson rows.
func (r *EnrollmentRepository) FindDetailByID(ctx context.Context, id string) (*models.EnrollmentDetail, error) {
	const query = `SELECT e.id, e.student_id, e.course_id, e.status, e.progress, e.payment_id, e.enrolled_at,
        e.completed_at, e.last_accessed_at, e.cancelled_reason, e.certificate_issued, e.certificate_id,
        e.certificate_issued_at, e.certificate_url, c.title AS course_title
        FROM enrollments e
        JOIN courses c ON c.id = e.course_id
        WHERE e.id = $1`
	var detail models.EnrollmentDetail
	if err := r.db.GetContext(ctx, &detail, query, id); err != nil {
		return nil, err
	}

	const moduleQuery = `SELECT enrollment_id, module_id, title, position, total_lessons, completed_lessons
        FROM enrollment_modules WHERE enrollment_id = $1 ORDER BY position ASC`
	var modules []models.ModuleProgress
	if err := r.db.SelectContext(ctx, &modules, moduleQuery, id); err != nil {
		return nil, fmt.Errorf("list enrollment modules: %w", err)
	}

	const lessonQuery = `SELECT enrollment_id, module_id, lesson_id, title, type, position, completed,
        time_spent_seconds, last_accessed_at
        FROM enrollment_lessons WHERE enrollment_id = $1 ORDER BY position ASC`
	var lessons []models.LessonProgress
	if err := r.db.SelectContext(ctx, &lessons, lessonQuery, id); err != nil {
		return nil, fmt.Errorf("list enrollment lessons: %w", err)
	}

	byModule := make(map[string][]models.LessonProgress, len(modules))
	for _, lesson := range lessons {
		byModule[lesson.ModuleID] = append(byModule[lesson.ModuleID], lesson)
	}
	detail.Modules = make([]models.ModuleProgressDetail, 0, len(modules))
	for _, module := range modules {
		detail.Modules = append(detail.Modules, models.ModuleProgressDetail{
			ModuleProgress: module,
			Lessons:        byModule[module.ModuleID],
		})
	}
	return &detail, nil
}

// List returns enrollments filtered by the provided criteria.
func (r *EnrollmentRepository) List(ctx context.Context, filter models.EnrollmentFilter) ([]models.EnrollmentDetail, int, error) {
	base := `FROM enrollments e JOIN courses c ON c.id = e.course_id`
	var conditions []string
	var args []interface{}

	if filter.StudentID != "" {
		conditions = append(conditions, fmt.Sprintf("e.student_id = $%d", len(args)+1))
		args = append(args, filter.StudentID)
	}
	if filter.CourseID != "" {
		conditions = append(conditions, fmt.Sprintf("e.course_id = $%d", len(args)+1))
		args = append(args, filter.CourseID)
	}
	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("e.status = $%d", len(args)+1))
		args = append(args, filter.Status)
	}

	clause := ""
	if len(conditions) > 0 {
		clause = " WHERE " + strings.Join(conditions, " AND ")
	}

	allowedSorts := map[string]string{
		"enrolled_at":  "e.enrolled_at",
		"progress":     "e.progress",
		"course_title": "c.title",
	}
	orderBy := allowedSorts[filter.SortBy]
	if orderBy == "" {
		orderBy = "e.enrolled_at"
	}
	order := strings.ToUpper(filter.SortOrder)
	if order != "ASC" && order != "DESC" {
		order = "DESC"
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 || size > 100 {
		size = 20
	}
	offset := (page - 1) * size

	query := fmt.Sprintf(`SELECT e.id, e.student_id, e.course_id, e.status, e.progress, e.payment_id,
        e.enrolled_at, e.completed_at, e.last_accessed_at, e.cancelled_reason, e.certificate_issued,
        e.certificate_id, e.certificate_issued_at, e.certificate_url, c.title AS course_title
        %s ORDER BY %s %s LIMIT %d OFFSET %d`, base+clause, orderBy, order, size, offset)

	var enrollments []models.EnrollmentDetail
	if err := r.db.SelectContext(ctx, &enrollments, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list enrollments: %w", err)
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) %s", base+clause)
	var total int
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("count enrollments: %w", err)
	}
	return enrollments, total, nil
}

// FindByPaymentID locates the enrollment funded by the given transaction.
func (r *EnrollmentRepository) FindByPaymentID(ctx context.Context, paymentID string) (*models.Enrollment, error) {
	const query = `SELECT id, student_id, course_id, status, progress, payment_id, enrolled_at, completed_at,
        last_accessed_at, cancelled_reason, certificate_issued, certificate_id, certificate_issued_at, certificate_url
        FROM enrollments WHERE payment_id = $1`
	var enrollment models.Enrollment
	if err := r.db.GetContext(ctx, &enrollment, query, paymentID); err != nil {
		return nil, err
	}
	return &enrollment, nil
}

// UpdateLessonProgress mutates exactly one lesson row keyed by
// (enrollment, module, lesson), recomputes the owning module's completed
// count and the overall percentage, and applies the one-way completion
// transition. The transaction opens by locking the enrollment row, so
// concurrent updates to the same enrollment serialize and every recompute
// sees the previous writer's committed lesson rows.
func (r *EnrollmentRepository) UpdateLessonProgress(ctx context.Context, enrollmentID, moduleID, lessonID string, completed bool, timeSpentDelta int, now time.Time) (*models.ProgressTotals, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin progress update: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	const lockEnrollment = `SELECT id FROM enrollments WHERE id = $1 FOR UPDATE`
	var lockedID string
	if err := tx.GetContext(ctx, &lockedID, lockEnrollment, enrollmentID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("lock enrollment: %w", err)
	}

	const updateLesson = `UPDATE enrollment_lessons
        SET completed = $4, time_spent_seconds = time_spent_seconds + $5, last_accessed_at = $6
        WHERE enrollment_id = $1 AND module_id = $2 AND lesson_id = $3`
	result, err := tx.ExecContext(ctx, updateLesson, enrollmentID, moduleID, lessonID, completed, timeSpentDelta, now)
	if err != nil {
		return nil, fmt.Errorf("update lesson progress: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("update lesson progress: %w", err)
	}
	if affected == 0 {
		return nil, ErrLessonNotInEnrollment
	}

	const recountModule = `UPDATE enrollment_modules
        SET completed_lessons = (SELECT COUNT(*) FROM enrollment_lessons
            WHERE enrollment_id = $1 AND module_id = $2 AND completed)
        WHERE enrollment_id = $1 AND module_id = $2`
	if _, err := tx.ExecContext(ctx, recountModule, enrollmentID, moduleID); err != nil {
		return nil, fmt.Errorf("recount module lessons: %w", err)
	}

	const sumTotals = `SELECT COALESCE(SUM(total_lessons), 0) AS total, COALESCE(SUM(completed_lessons), 0) AS done
        FROM enrollment_modules WHERE enrollment_id = $1`
	var totals struct {
		Total int `db:"total"`
		Done  int `db:"done"`
	}
	if err := tx.GetContext(ctx, &totals, sumTotals, enrollmentID); err != nil {
		return nil, fmt.Errorf("sum enrollment totals: %w", err)
	}

	progress := ComputeProgress(totals.Done, totals.Total)

	// Completion is one-way: completed_at is written at most once and the
	// status never downgrades from COMPLETED.
	const updateEnrollment = `UPDATE enrollments
        SET progress = $2,
            last_accessed_at = $3,
            status = CASE WHEN completed_at IS NULL AND $2 >= 100 THEN 'COMPLETED' ELSE status END,
            completed_at = CASE WHEN completed_at IS NULL AND $2 >= 100 THEN $3 ELSE completed_at END
        WHERE id = $1
        RETURNING status, completed_at`
	var outcome struct {
		Status      models.EnrollmentStatus `db:"status"`
		CompletedAt *time.Time              `db:"completed_at"`
	}
	if err := tx.GetContext(ctx, &outcome, updateEnrollment, enrollmentID, progress, now); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("update enrollment aggregates: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit progress update: %w", err)
	}

	return &models.ProgressTotals{
		TotalLessons:     totals.Total,
		CompletedLessons: totals.Done,
		Progress:         progress,
		Status:           outcome.Status,
		CompletedAt:      outcome.CompletedAt,
	}, nil
}

// UpdateStatus transitions an enrollment that is still ACTIVE and, when the
// transition frees a seat, decrements the course counter in the same
// transaction. It returns false without touching the counter when the row was
// no longer ACTIVE, meaning a concurrent transition won.
func (r *EnrollmentRepository) UpdateStatus(ctx context.Context, id string, status models.EnrollmentStatus, reason *string, adjustCounter bool) (bool, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin status update: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	const update = `UPDATE enrollments SET status = $2, cancelled_reason = $3
        WHERE id = $1 AND status = 'ACTIVE' RETURNING course_id`
	var courseID string
	if err := tx.GetContext(ctx, &courseID, update, id, status, reason); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("update enrollment status: %w", err)
	}

	if adjustCounter {
		const drop = `UPDATE courses
            SET enrollments_count = GREATEST(enrollments_count - 1, 0), updated_at = $2
            WHERE id = $1`
		if _, err := tx.ExecContext(ctx, drop, courseID, time.Now().UTC()); err != nil {
			return false, fmt.Errorf("decrement course counter: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit status update: %w", err)
	}
	return true, nil
}

// IssueCertificate performs the atomic check-and-set for certificate
// issuance. It returns true when this call won the race and issued, false
// when a certificate was already present.
func (r *EnrollmentRepository) IssueCertificate(ctx context.Context, enrollmentID, certificateID, url string, issuedAt time.Time) (bool, error) {
	const query = `UPDATE enrollments
        SET certificate_issued = TRUE, certificate_id = $2, certificate_url = $3, certificate_issued_at = $4
        WHERE id = $1 AND status = 'COMPLETED' AND certificate_issued = FALSE`
	result, err := r.db.ExecContext(ctx, query, enrollmentID, certificateID, url, issuedAt)
	if err != nil {
		return false, fmt.Errorf("issue certificate: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("issue certificate: %w", err)
	}
	return affected == 1, nil
}

// ProgressTotals reads the aggregate lesson counts for an enrollment.
func (r *EnrollmentRepository) ProgressTotals(ctx context.Context, enrollmentID string) (total, done int, err error) {
	const query = `SELECT COALESCE(SUM(total_lessons), 0) AS total, COALESCE(SUM(completed_lessons), 0) AS done
        FROM enrollment_modules WHERE enrollment_id = $1`
	var row struct {
		Total int `db:"total"`
		Done  int `db:"done"`
	}
	if err := r.db.GetContext(ctx, &row, query, enrollmentID); err != nil {
		return 0, 0, fmt.Errorf("sum enrollment totals: %w", err)
	}
	return row.Total, row.Done, nil
}

// ComputeProgress derives the completion percentage, rounded half-up to two
// decimal places. A snapshot with zero lessons is defined as 0 percent.
func ComputeProgress(completed, total int) float64 {
	if total <= 0 {
		return 0
	}
	raw := 100 * float64(completed) / float64(total)
	return math.Round(raw*100) / 100
}
