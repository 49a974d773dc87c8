package models

import "time"

// EnrollmentStatus represents the lifecycle of an enrollment.
type EnrollmentStatus string

// Possible enrollment statuses. COMPLETED and REFUNDED are terminal.
const (
	EnrollmentStatusActive    EnrollmentStatus = "ACTIVE"
	EnrollmentStatusCompleted EnrollmentStatus = "COMPLETED"
	EnrollmentStatusDropped   EnrollmentStatus = "DROPPED"
	EnrollmentStatusRefunded  EnrollmentStatus = "REFUNDED"
)

// Enrollment binds one student to one course and tracks their progress.
// Progress is derived from the per-lesson rows and never set by a client.
type Enrollment struct {
	ID                  string           `db:"id" json:"id"`
	StudentID           string           `db:"student_id" json:"student_id"`
	CourseID            string           `db:"course_id" json:"course_id"`
	Status              EnrollmentStatus `db:"status" json:"status"`
	Progress            float64          `db:"progress" json:"progress"`
	PaymentID           *string          `db:"payment_id" json:"payment_id,omitempty"`
	EnrolledAt          time.Time        `db:"enrolled_at" json:"enrolled_at"`
	CompletedAt         *time.Time       `db:"completed_at" json:"completed_at,omitempty"`
	LastAccessedAt      *time.Time       `db:"last_accessed_at" json:"last_accessed_at,omitempty"`
	CancelledReason     *string          `db:"cancelled_reason" json:"cancelled_reason,omitempty"`
	CertificateIssued   bool             `db:"certificate_issued" json:"certificate_issued"`
	CertificateID       *string          `db:"certificate_id" json:"certificate_id,omitempty"`
	CertificateIssuedAt *time.Time       `db:"certificate_issued_at" json:"certificate_issued_at,omitempty"`
	CertificateURL      *string          `db:"certificate_url" json:"certificate_url,omitempty"`
}

// ModuleProgress is the per-module slice of an enrollment's snapshot.
// TotalLessons is frozen at enrollment creation time.
type ModuleProgress struct {
	EnrollmentID     string `db:"enrollment_id" json:"-"`
	ModuleID         string `db:"module_id" json:"module_id"`
	Title            string `db:"title" json:"title"`
	Position         int    `db:"position" json:"position"`
	TotalLessons     int    `db:"total_lessons" json:"total_lessons"`
	CompletedLessons int    `db:"completed_lessons" json:"completed_lessons"`
}

// LessonProgress tracks one lesson of one enrollment.
type LessonProgress struct {
	EnrollmentID     string     `db:"enrollment_id" json:"-"`
	ModuleID         string     `db:"module_id" json:"module_id"`
	LessonID         string     `db:"lesson_id" json:"lesson_id"`
	Title            string     `db:"title" json:"title"`
	Type             LessonType `db:"type" json:"type"`
	Position         int        `db:"position" json:"position"`
	Completed        bool       `db:"completed" json:"completed"`
	TimeSpentSeconds int        `db:"time_spent_seconds" json:"time_spent_seconds"`
	LastAccessedAt   *time.Time `db:"last_accessed_at" json:"last_accessed_at,omitempty"`
}

// ModuleProgressDetail bundles a module with its lesson rows.
type ModuleProgressDetail struct {
	ModuleProgress
	Lessons []LessonProgress `json:"lessons"`
}

// EnrollmentDetail is the full enrollment snapshot returned to clients.
type EnrollmentDetail struct {
	Enrollment
	CourseTitle string                 `db:"course_title" json:"course_title"`
	Modules     []ModuleProgressDetail `json:"modules"`
}

// ProgressTotals carries the aggregate counts recomputed after a
// lesson-progress mutation.
type ProgressTotals struct {
	TotalLessons     int
	CompletedLessons int
	Progress         float64
	Status           EnrollmentStatus
	CompletedAt      *time.Time
}

// ProgressSnapshot is the lightweight read model served by the progress
// endpoint and cached in Redis.
type ProgressSnapshot struct {
	EnrollmentID     string           `json:"enrollment_id"`
	CourseID         string           `json:"course_id"`
	CourseTitle      string           `json:"course_title"`
	Status           EnrollmentStatus `json:"status"`
	Progress         float64          `json:"progress"`
	TotalLessons     int              `json:"total_lessons"`
	CompletedLessons int              `json:"completed_lessons"`
	EnrolledAt       time.Time        `json:"enrolled_at"`
	CompletedAt      *time.Time       `json:"completed_at,omitempty"`
	LastAccessedAt   *time.Time       `json:"last_accessed_at,omitempty"`
}

// EnrollmentFilter provides filters for listing a student's enrollments.
type EnrollmentFilter struct {
	StudentID string
	CourseID  string
	Status    EnrollmentStatus
	Page      int
	PageSize  int
	SortBy    string
	SortOrder string
}
