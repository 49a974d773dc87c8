package service

import (
	"context"
	"database/sql"
	"errors"

	"go.uber.org/zap"

	"github.com/learnhub/enrollment-api/internal/models"
	appErrors "github.com/learnhub/enrollment-api/pkg/errors"
)

type courseCatalog interface {
	List(ctx context.Context, filter models.CourseFilter) ([]models.Course, int, error)
	FindByID(ctx context.Context, id string) (*models.Course, error)
	FindDetailByID(ctx context.Context, id string) (*models.CourseDetail, error)
	Structure(ctx context.Context, courseID string) ([]models.ModuleStructure, error)
}

// CourseService serves catalog browsing for students.
type CourseService struct {
	catalog courseCatalog
	logger  *zap.Logger
}

// NewCourseService constructs CourseService.
func NewCourseService(catalog courseCatalog, logger *zap.Logger) *CourseService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CourseService{catalog: catalog, logger: logger}
}

// List returns published courses with pagination metadata. Students only see
// published entries; drafts stay internal to course authoring.
func (s *CourseService) List(ctx context.Context, filter models.CourseFilter) ([]models.Course, *models.Pagination, error) {
	if filter.Status == "" {
		filter.Status = models.CourseStatusPublished
	}
	courses, total, err := s.catalog.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list courses")
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
	return courses, pagination, nil
}

// Get returns one course with its module/lesson structure.
func (s *CourseService) Get(ctx context.Context, id string) (*models.CourseDetail, error) {
	detail, err := s.catalog.FindDetailByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "course not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load course")
	}
	return detail, nil
}
