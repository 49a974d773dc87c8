package models

import "time"

// CourseStatus represents the publication state of a course.
type CourseStatus string

// Possible course statuses.
const (
	CourseStatusDraft     CourseStatus = "DRAFT"
	CourseStatusPublished CourseStatus = "PUBLISHED"
	CourseStatusArchived  CourseStatus = "ARCHIVED"
)

// LessonType classifies the smallest content unit of a course.
type LessonType string

// Possible lesson types.
const (
	LessonTypeVideo      LessonType = "VIDEO"
	LessonTypeText       LessonType = "TEXT"
	LessonTypeQuiz       LessonType = "QUIZ"
	LessonTypeAssignment LessonType = "ASSIGNMENT"
)

// Course is a catalog entry students enroll into.
type Course struct {
	ID               string       `db:"id" json:"id"`
	Title            string       `db:"title" json:"title"`
	Description      string       `db:"description" json:"description"`
	Status           CourseStatus `db:"status" json:"status"`
	EnrollmentsCount int          `db:"enrollments_count" json:"enrollments_count"`
	CreatedAt        time.Time    `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time    `db:"updated_at" json:"updated_at"`
}

// CourseModule is an ordered grouping of lessons within a course.
type CourseModule struct {
	ID       string `db:"id" json:"id"`
	CourseID string `db:"course_id" json:"course_id"`
	Title    string `db:"title" json:"title"`
	Position int    `db:"position" json:"position"`
}

// Lesson is a single content unit inside a module.
type Lesson struct {
	ID              string     `db:"id" json:"id"`
	ModuleID        string     `db:"module_id" json:"module_id"`
	Title           string     `db:"title" json:"title"`
	Type            LessonType `db:"type" json:"type"`
	DurationSeconds int        `db:"duration_seconds" json:"duration_seconds"`
	Position        int        `db:"position" json:"position"`
}

// ModuleStructure pairs a module with its ordered lessons as read from the
// catalog. Used when snapshotting a course into a new enrollment.
type ModuleStructure struct {
	Module  CourseModule `json:"module"`
	Lessons []Lesson     `json:"lessons"`
}

// CourseDetail enriches a course with its full module/lesson structure.
type CourseDetail struct {
	Course
	Modules []ModuleStructure `json:"modules"`
}

// CourseFilter provides filters for listing catalog courses.
type CourseFilter struct {
	Status    CourseStatus
	Search    string
	Page      int
	PageSize  int
	SortBy    string
	SortOrder string
}
