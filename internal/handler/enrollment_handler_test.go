package handler

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/learnhub/enrollment-api/internal/middleware"
	"github.com/learnhub/enrollment-api/internal/models"
	"github.com/learnhub/enrollment-api/internal/repository"
	"github.com/learnhub/enrollment-api/internal/service"
)

type fakeLessonKey struct {
	moduleID string
	lessonID string
}

// fakeEnrollmentStore is an in-memory stand-in for the Postgres repository,
// shared by the router-level tests below.
type fakeEnrollmentStore struct {
	enrollments map[string]models.Enrollment
	lessons     map[string]map[fakeLessonKey]*models.LessonProgress
	pairs       map[string]bool
}

func newFakeEnrollmentStore() *fakeEnrollmentStore {
	return &fakeEnrollmentStore{
		enrollments: make(map[string]models.Enrollment),
		lessons:     make(map[string]map[fakeLessonKey]*models.LessonProgress),
		pairs:       make(map[string]bool),
	}
}

func (f *fakeEnrollmentStore) Create(ctx context.Context, enrollment *models.Enrollment, structure []models.ModuleStructure) error {
	key := enrollment.StudentID + "/" + enrollment.CourseID
	if f.pairs[key] {
		return repository.ErrDuplicateEnrollment
	}
	f.pairs[key] = true
	if enrollment.ID == "" {
		enrollment.ID = "enr-" + enrollment.StudentID
	}
	f.enrollments[enrollment.ID] = *enrollment
	rows := make(map[fakeLessonKey]*models.LessonProgress)
	for _, ms := range structure {
		for _, l := range ms.Lessons {
			rows[fakeLessonKey{ms.Module.ID, l.ID}] = &models.LessonProgress{EnrollmentID: enrollment.ID, ModuleID: ms.Module.ID, LessonID: l.ID}
		}
	}
	f.lessons[enrollment.ID] = rows
	return nil
}

func (f *fakeEnrollmentStore) FindByID(ctx context.Context, id string) (*models.Enrollment, error) {
	if e, ok := f.enrollments[id]; ok {
		return &e, nil
	}
	return nil, sql.ErrNoRows
}

func (f *fakeEnrollmentStore) FindDetailByID(ctx context.Context, id string) (*models.EnrollmentDetail, error) {
	if e, ok := f.enrollments[id]; ok {
		return &models.EnrollmentDetail{Enrollment: e, CourseTitle: "Intro to Go"}, nil
	}
	return nil, sql.ErrNoRows
}

func (f *fakeEnrollmentStore) FindByPaymentID(ctx context.Context, paymentID string) (*models.Enrollment, error) {
	for _, e := range f.enrollments {
		if e.PaymentID != nil && *e.PaymentID == paymentID {
			found := e
			return &found, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (f *fakeEnrollmentStore) List(ctx context.Context, filter models.EnrollmentFilter) ([]models.EnrollmentDetail, int, error) {
	var list []models.EnrollmentDetail
	for _, e := range f.enrollments {
		if e.StudentID == filter.StudentID {
			list = append(list, models.EnrollmentDetail{Enrollment: e, CourseTitle: "Intro to Go"})
		}
	}
	return list, len(list), nil
}

func (f *fakeEnrollmentStore) UpdateLessonProgress(ctx context.Context, enrollmentID, moduleID, lessonID string, completed bool, timeSpentDelta int, now time.Time) (*models.ProgressTotals, error) {
	rows, ok := f.lessons[enrollmentID]
	if !ok {
		return nil, sql.ErrNoRows
	}
	row, ok := rows[fakeLessonKey{moduleID, lessonID}]
	if !ok {
		return nil, repository.ErrLessonNotInEnrollment
	}
	row.Completed = completed
	row.TimeSpentSeconds += timeSpentDelta

	total, done := 0, 0
	for _, r := range rows {
		total++
		if r.Completed {
			done++
		}
	}
	e := f.enrollments[enrollmentID]
	e.Progress = repository.ComputeProgress(done, total)
	e.LastAccessedAt = &now
	if e.CompletedAt == nil && e.Progress >= 100 {
		e.Status = models.EnrollmentStatusCompleted
		completedAt := now
		e.CompletedAt = &completedAt
	}
	f.enrollments[enrollmentID] = e
	return &models.ProgressTotals{TotalLessons: total, CompletedLessons: done, Progress: e.Progress, Status: e.Status, CompletedAt: e.CompletedAt}, nil
}

func (f *fakeEnrollmentStore) UpdateStatus(ctx context.Context, id string, status models.EnrollmentStatus, reason *string, adjustCounter bool) (bool, error) {
	e, ok := f.enrollments[id]
	if !ok || e.Status != models.EnrollmentStatusActive {
		return false, nil
	}
	e.Status = status
	e.CancelledReason = reason
	f.enrollments[id] = e
	return true, nil
}

func (f *fakeEnrollmentStore) ProgressTotals(ctx context.Context, enrollmentID string) (int, int, error) {
	rows := f.lessons[enrollmentID]
	total, done := 0, 0
	for _, r := range rows {
		total++
		if r.Completed {
			done++
		}
	}
	return total, done, nil
}

type fakeCatalog struct {
	courses   map[string]models.Course
	structure map[string][]models.ModuleStructure
}

func (f *fakeCatalog) List(ctx context.Context, filter models.CourseFilter) ([]models.Course, int, error) {
	var list []models.Course
	for _, c := range f.courses {
		list = append(list, c)
	}
	return list, len(list), nil
}

func (f *fakeCatalog) FindByID(ctx context.Context, id string) (*models.Course, error) {
	if c, ok := f.courses[id]; ok {
		return &c, nil
	}
	return nil, sql.ErrNoRows
}

func (f *fakeCatalog) FindDetailByID(ctx context.Context, id string) (*models.CourseDetail, error) {
	if c, ok := f.courses[id]; ok {
		return &models.CourseDetail{Course: c, Modules: f.structure[id]}, nil
	}
	return nil, sql.ErrNoRows
}

func (f *fakeCatalog) Structure(ctx context.Context, courseID string) ([]models.ModuleStructure, error) {
	return f.structure[courseID], nil
}

type fakeUserStore struct {
	users map[string]*models.User
}

func (f *fakeUserStore) FindByID(ctx context.Context, id string) (*models.User, error) {
	if u, ok := f.users[id]; ok {
		return u, nil
	}
	return nil, sql.ErrNoRows
}

// testAuth injects claims from a test header in place of the JWT middleware.
func testAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if userID := c.GetHeader("X-Test-User"); userID != "" {
			c.Set(middleware.ContextUserKey, &models.JWTClaims{UserID: userID, Role: models.RoleStudent})
		}
		c.Next()
	}
}

const testServiceKey = "internal-test-key"

func buildEnrollmentRouter() (*gin.Engine, *fakeEnrollmentStore) {
	gin.SetMode(gin.TestMode)

	store := newFakeEnrollmentStore()
	catalog := &fakeCatalog{
		courses: map[string]models.Course{
			"crs-1": {ID: "crs-1", Title: "Intro to Go", Status: models.CourseStatusPublished},
			"crs-2": {ID: "crs-2", Title: "Drafts", Status: models.CourseStatusDraft},
		},
		structure: map[string][]models.ModuleStructure{
			"crs-1": {
				{Module: models.CourseModule{ID: "m1", CourseID: "crs-1", Position: 1}, Lessons: []models.Lesson{{ID: "l1", ModuleID: "m1"}, {ID: "l2", ModuleID: "m1"}}},
			},
		},
	}
	users := &fakeUserStore{users: map[string]*models.User{
		"s1": {ID: "s1", FullName: "Ada Lovelace", Role: models.RoleStudent, Active: true},
	}}

	enrollmentSvc := service.NewEnrollmentService(store, catalog, users, nil, validator.New(), zap.NewNop(), service.EnrollmentOptions{})
	enrollmentHandler := NewEnrollmentHandler(enrollmentSvc)
	serviceHandler := NewServiceEnrollmentHandler(enrollmentSvc)

	r := gin.New()
	authed := r.Group("/api/v1")
	authed.Use(testAuth())
	{
		authed.POST("/enrollments", enrollmentHandler.Create)
		authed.GET("/enrollments", enrollmentHandler.List)
		authed.GET("/enrollments/:id", enrollmentHandler.Get)
		authed.GET("/enrollments/:id/progress", enrollmentHandler.GetProgress)
		authed.PUT("/enrollments/:id/progress", enrollmentHandler.UpdateProgress)
		authed.POST("/enrollments/:id/cancel", enrollmentHandler.Cancel)
	}

	internal := r.Group("/internal")
	internal.Use(middleware.ServiceKey("X-Service-Key", testServiceKey))
	{
		internal.POST("/enrollments", serviceHandler.Create)
		internal.POST("/enrollments/:id/revoke", serviceHandler.Revoke)
	}
	return r, store
}

func performRequest(r *gin.Engine, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func jsonRequest(method, path string, payload interface{}) *http.Request {
	var body bytes.Buffer
	if payload != nil {
		_ = json.NewEncoder(&body).Encode(payload)
	}
	req, _ := http.NewRequest(method, path, &body)
	req.Header.Set("Content-Type", "application/json")
	return req
}

func TestEnrollmentRoutes(t *testing.T) {
	router, store := buildEnrollmentRouter()

	t.Run("create requires auth", func(t *testing.T) {
		resp := performRequest(router, jsonRequest(http.MethodPost, "/api/v1/enrollments", service.EnrollRequest{CourseID: "crs-1"}))
		require.Equal(t, http.StatusUnauthorized, resp.Code)
	})

	t.Run("create enrolls student", func(t *testing.T) {
		req := jsonRequest(http.MethodPost, "/api/v1/enrollments", service.EnrollRequest{CourseID: "crs-1"})
		req.Header.Set("X-Test-User", "s1")
		resp := performRequest(router, req)
		require.Equal(t, http.StatusCreated, resp.Code)
		assert.Contains(t, resp.Body.String(), `"success":true`)
		assert.Contains(t, resp.Body.String(), `"status":"ACTIVE"`)
	})

	t.Run("create duplicate conflicts", func(t *testing.T) {
		req := jsonRequest(http.MethodPost, "/api/v1/enrollments", service.EnrollRequest{CourseID: "crs-1"})
		req.Header.Set("X-Test-User", "s1")
		resp := performRequest(router, req)
		require.Equal(t, http.StatusConflict, resp.Code)
		assert.Contains(t, resp.Body.String(), `"success":false`)
	})

	t.Run("create draft course rejected", func(t *testing.T) {
		req := jsonRequest(http.MethodPost, "/api/v1/enrollments", service.EnrollRequest{CourseID: "crs-2"})
		req.Header.Set("X-Test-User", "s1")
		resp := performRequest(router, req)
		require.Equal(t, http.StatusBadRequest, resp.Code)
	})

	t.Run("progress updates through to completion", func(t *testing.T) {
		req := jsonRequest(http.MethodPut, "/api/v1/enrollments/enr-s1/progress", service.UpdateLessonProgressRequest{ModuleID: "m1", LessonID: "l1", Completed: true, TimeSpentSeconds: 120})
		req.Header.Set("X-Test-User", "s1")
		resp := performRequest(router, req)
		require.Equal(t, http.StatusOK, resp.Code)
		assert.Contains(t, resp.Body.String(), `"progress":50`)

		req = jsonRequest(http.MethodPut, "/api/v1/enrollments/enr-s1/progress", service.UpdateLessonProgressRequest{ModuleID: "m1", LessonID: "l2", Completed: true})
		req.Header.Set("X-Test-User", "s1")
		resp = performRequest(router, req)
		require.Equal(t, http.StatusOK, resp.Code)
		assert.Contains(t, resp.Body.String(), `"status":"COMPLETED"`)
	})

	t.Run("progress rejects foreign lesson", func(t *testing.T) {
		req := jsonRequest(http.MethodPut, "/api/v1/enrollments/enr-s1/progress", service.UpdateLessonProgressRequest{ModuleID: "m1", LessonID: "ghost", Completed: true})
		req.Header.Set("X-Test-User", "s1")
		resp := performRequest(router, req)
		require.Equal(t, http.StatusBadRequest, resp.Code)
	})

	t.Run("progress snapshot for owner only", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodGet, "/api/v1/enrollments/enr-s1/progress", nil)
		req.Header.Set("X-Test-User", "intruder")
		resp := performRequest(router, req)
		require.Equal(t, http.StatusForbidden, resp.Code)

		req, _ = http.NewRequest(http.MethodGet, "/api/v1/enrollments/enr-s1/progress", nil)
		req.Header.Set("X-Test-User", "s1")
		resp = performRequest(router, req)
		require.Equal(t, http.StatusOK, resp.Code)
		assert.Contains(t, resp.Body.String(), `"total_lessons":2`)
	})

	t.Run("cancel completed rejected", func(t *testing.T) {
		req := jsonRequest(http.MethodPost, "/api/v1/enrollments/enr-s1/cancel", service.CancelEnrollmentRequest{Reason: "too late"})
		req.Header.Set("X-Test-User", "s1")
		resp := performRequest(router, req)
		require.Equal(t, http.StatusBadRequest, resp.Code)
	})

	t.Run("internal routes require service key", func(t *testing.T) {
		resp := performRequest(router, jsonRequest(http.MethodPost, "/internal/enrollments", service.ServiceEnrollRequest{StudentID: "s1", CourseID: "crs-1", PaymentID: "pay-9"}))
		require.Equal(t, http.StatusUnauthorized, resp.Code)
	})

	t.Run("internal revoke is idempotent", func(t *testing.T) {
		paymentID := "pay-1"
		store.enrollments["enr-x"] = models.Enrollment{ID: "enr-x", StudentID: "s2", CourseID: "crs-1", Status: models.EnrollmentStatusActive, PaymentID: &paymentID}

		req := jsonRequest(http.MethodPost, "/internal/enrollments/enr-x/revoke", service.RevokeEnrollmentRequest{PaymentID: paymentID})
		req.Header.Set("X-Service-Key", testServiceKey)
		resp := performRequest(router, req)
		require.Equal(t, http.StatusOK, resp.Code)
		assert.Contains(t, resp.Body.String(), `"status":"REFUNDED"`)

		req = jsonRequest(http.MethodPost, "/internal/enrollments/enr-x/revoke", service.RevokeEnrollmentRequest{PaymentID: paymentID})
		req.Header.Set("X-Service-Key", testServiceKey)
		resp = performRequest(router, req)
		require.Equal(t, http.StatusOK, resp.Code)
		assert.Contains(t, resp.Body.String(), `"status":"REFUNDED"`)
	})
}
