package repository

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/learnhub/enrollment-api/internal/models"
)

// CourseRepository serves catalog reads and the denormalized enrollment
// counter. Catalog writes belong to the authoring service, not this API.
type CourseRepository struct {
	db *sqlx.DB
}

// NewCourseRepository constructs the repository.
func NewCourseRepository(db *sqlx.DB) *CourseRepository {
	return &CourseRepository{db: db}
}

// List returns catalog courses filtered by the provided criteria.
func (r *CourseRepository) List(ctx context.Context, filter models.CourseFilter) ([]models.Course, int, error) {
	base := `FROM courses c`
	var conditions []string
	var args []interface{}

	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("c.status = $%d", len(args)+1))
		args = append(args, filter.Status)
	}
	if filter.Search != "" {
		conditions = append(conditions, fmt.Sprintf("(c.title ILIKE $%d OR c.description ILIKE $%d)", len(args)+1, len(args)+1))
		args = append(args, "%"+filter.Search+"%")
	}

	clause := ""
	if len(conditions) > 0 {
		clause = " WHERE " + strings.Join(conditions, " AND ")
	}

	allowedSorts := map[string]string{
		"title":       "c.title",
		"created_at":  "c.created_at",
		"enrollments": "c.enrollments_count",
	}
	orderBy := allowedSorts[filter.SortBy]
	if orderBy == "" {
		orderBy = "c.created_at"
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

	query := fmt.Sprintf(`SELECT c.id, c.title, c.description, c.status, c.enrollments_count, c.created_at, c.updated_at
        %s ORDER BY %s %s LIMIT %d OFFSET %d`, base+clause, orderBy, order, size, offset)

	var courses []models.Course
	if err := r.db.SelectContext(ctx, &courses, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list courses: %w", err)
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) %s", base+clause)
	var total int
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("count courses: %w", err)
	}
	return courses, total, nil
}

// FindByID returns a course by its ID.
func (r *CourseRepository) FindByID(ctx context.Context, id string) (*models.Course, error) {
	const query = `SELECT id, title, description, status, enrollments_count, created_at, updated_at
        FROM courses WHERE id = $1`
	var course models.Course
	if err := r.db.GetContext(ctx, &course, query, id); err != nil {
		return nil, err
	}
	return &course, nil
}

// Structure returns the course's ordered modules with their ordered lessons.
// This is the shape snapshotted into a new enrollment.
func (r *CourseRepository) Structure(ctx context.Context, courseID string) ([]models.ModuleStructure, error) {
	const moduleQuery = `SELECT id, course_id, title, position FROM course_modules
        WHERE course_id = $1 ORDER BY position ASC`
	var modules []models.CourseModule
	if err := r.db.SelectContext(ctx, &modules, moduleQuery, courseID); err != nil {
		return nil, fmt.Errorf("list course modules: %w", err)
	}
	if len(modules) == 0 {
		return []models.ModuleStructure{}, nil
	}

	const lessonQuery = `SELECT l.id, l.module_id, l.title, l.type, l.duration_seconds, l.position
        FROM lessons l
        JOIN course_modules m ON m.id = l.module_id
        WHERE m.course_id = $1
        ORDER BY m.position ASC, l.position ASC`
	var lessons []models.Lesson
	if err := r.db.SelectContext(ctx, &lessons, lessonQuery, courseID); err != nil {
		return nil, fmt.Errorf("list course lessons: %w", err)
	}

	byModule := make(map[string][]models.Lesson, len(modules))
	for _, lesson := range lessons {
		byModule[lesson.ModuleID] = append(byModule[lesson.ModuleID], lesson)
	}

	structure := make([]models.ModuleStructure, 0, len(modules))
	for _, module := range modules {
		structure = append(structure, models.ModuleStructure{
			Module:  module,
			Lessons: byModule[module.ID],
		})
	}
	return structure, nil
}

// FindDetailByID returns a course with its full module/lesson structure.
func (r *CourseRepository) FindDetailByID(ctx context.Context, id string) (*models.CourseDetail, error) {
	course, err := r.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	structure, err := r.Structure(ctx, id)
	if err != nil {
		return nil, err
	}
	return &models.CourseDetail{Course: *course, Modules: structure}, nil
}
