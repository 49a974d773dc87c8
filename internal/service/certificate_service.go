package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/learnhub/enrollment-api/internal/models"
	appErrors "github.com/learnhub/enrollment-api/pkg/errors"
	"github.com/learnhub/enrollment-api/pkg/export"
	"github.com/learnhub/enrollment-api/pkg/jobs"
	"github.com/learnhub/enrollment-api/pkg/storage"
)

type certificateStore interface {
	FindByID(ctx context.Context, id string) (*models.Enrollment, error)
	FindDetailByID(ctx context.Context, id string) (*models.EnrollmentDetail, error)
	IssueCertificate(ctx context.Context, enrollmentID, certificateID, url string, issuedAt time.Time) (bool, error)
}

type jobDispatcher interface {
	Enqueue(job jobs.Job) error
}

// JobTypeRenderCertificate identifies certificate rendering jobs on the queue.
const JobTypeRenderCertificate = "render_certificate"

// CertificateService issues proof-of-completion certificates. Issuance is an
// atomic conditional write so concurrent requests for the same enrollment
// never produce two certificates; the PDF artifact renders asynchronously.
type CertificateService struct {
	repo   certificateStore
	queue  jobDispatcher
	signer *storage.SignedURLSigner
	store  *storage.LocalStorage
	logger *zap.Logger

	now func() time.Time
}

// NewCertificateService constructs CertificateService.
func NewCertificateService(repo certificateStore, queue jobDispatcher, signer *storage.SignedURLSigner, store *storage.LocalStorage, logger *zap.Logger) *CertificateService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CertificateService{repo: repo, queue: queue, signer: signer, store: store, logger: logger, now: time.Now}
}

// Request returns the certificate for a completed enrollment, issuing one on
// first call. Repeat calls return the same descriptor unchanged.
func (s *CertificateService) Request(ctx context.Context, enrollmentID, studentID string) (*models.Certificate, error) {
	enrollment, err := s.loadOwned(ctx, enrollmentID, studentID)
	if err != nil {
		return nil, err
	}

	if enrollment.CertificateIssued {
		return s.describe(enrollment), nil
	}

	if enrollment.Status != models.EnrollmentStatusCompleted {
		return nil, appErrors.Clone(appErrors.ErrInvalidState, "course not completed")
	}

	certificateID := uuid.NewString()
	artifactPath := fmt.Sprintf("certificates/%s.pdf", enrollmentID)
	issuedAt := s.now().UTC()

	issued, err := s.repo.IssueCertificate(ctx, enrollmentID, certificateID, artifactPath, issuedAt)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to issue certificate")
	}
	if !issued {
		// A concurrent request won; return what it issued.
		refreshed, err := s.repo.FindByID(ctx, enrollmentID)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to reload enrollment")
		}
		if !refreshed.CertificateIssued {
			return nil, appErrors.Clone(appErrors.ErrInvalidState, "course not completed")
		}
		return s.describe(refreshed), nil
	}

	if s.queue != nil {
		if err := s.queue.Enqueue(jobs.Job{ID: enrollmentID, Type: JobTypeRenderCertificate}); err != nil {
			// Issuance already committed; rendering retries on next download.
			s.logger.Warn("failed to enqueue certificate render",
				zap.String("enrollment_id", enrollmentID), zap.Error(err))
		}
	}

	enrollment.CertificateIssued = true
	enrollment.CertificateID = &certificateID
	enrollment.CertificateURL = &artifactPath
	enrollment.CertificateIssuedAt = &issuedAt
	return s.describe(enrollment), nil
}

// Get returns the issued certificate descriptor with a signed download URL.
func (s *CertificateService) Get(ctx context.Context, enrollmentID, studentID string) (*models.Certificate, error) {
	enrollment, err := s.loadOwned(ctx, enrollmentID, studentID)
	if err != nil {
		return nil, err
	}
	if !enrollment.CertificateIssued {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "certificate not issued")
	}
	return s.describe(enrollment), nil
}

func (s *CertificateService) loadOwned(ctx context.Context, enrollmentID, studentID string) (*models.Enrollment, error) {
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

func (s *CertificateService) describe(enrollment *models.Enrollment) *models.Certificate {
	cert := &models.Certificate{
		EnrollmentID: enrollment.ID,
		CourseID:     enrollment.CourseID,
		Issued:       enrollment.CertificateIssued,
		IssuedAt:     enrollment.CertificateIssuedAt,
	}
	if enrollment.CertificateID != nil {
		cert.CertificateID = *enrollment.CertificateID
	}
	if enrollment.CertificateURL != nil {
		cert.URL = *enrollment.CertificateURL
	}
	if s.signer != nil && enrollment.CertificateIssued && enrollment.CertificateURL != nil {
		token, expiresAt, err := s.signer.Generate(enrollment.ID, *enrollment.CertificateURL)
		if err != nil {
			s.logger.Warn("failed to sign certificate download",
				zap.String("enrollment_id", enrollment.ID), zap.Error(err))
		} else {
			cert.DownloadURL = "/downloads/certificates/" + token
			cert.ExpiresAt = &expiresAt
		}
	}
	return cert
}

// CertificateDownload is an open artifact ready to stream to the client.
type CertificateDownload struct {
	File      *os.File
	Filename  string
	SizeBytes int64
	MimeType  string
}

// Download resolves a signed token to the certificate artifact. Tokens are
// self-contained, so no additional authentication is required.
func (s *CertificateService) Download(ctx context.Context, token string) (*CertificateDownload, error) {
	enrollmentID, relPath, _, err := s.signer.Parse(token, false)
	if err != nil {
		return nil, appErrors.Clone(appErrors.ErrUnauthorized, "invalid or expired download token")
	}

	enrollment, err := s.repo.FindByID(ctx, enrollmentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "enrollment not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load enrollment")
	}
	if !enrollment.CertificateIssued || enrollment.CertificateURL == nil || *enrollment.CertificateURL != relPath {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "certificate not issued")
	}

	file, err := s.store.Open(relPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// The render job has not finished (or was lost); requeue it.
			if s.queue != nil {
				if qerr := s.queue.Enqueue(jobs.Job{ID: enrollmentID, Type: JobTypeRenderCertificate}); qerr != nil {
					s.logger.Warn("failed to requeue certificate render",
						zap.String("enrollment_id", enrollmentID), zap.Error(qerr))
				}
			}
			return nil, appErrors.Clone(appErrors.ErrNotFound, "certificate is still being generated")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to open certificate")
	}

	info, err := file.Stat()
	if err != nil {
		file.Close() //nolint:errcheck
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to stat certificate")
	}

	filename := fmt.Sprintf("certificate-%s.pdf", enrollmentID)
	return &CertificateDownload{File: file, Filename: filename, SizeBytes: info.Size(), MimeType: "application/pdf"}, nil
}

// CertificateWorker bridges queue jobs to the PDF renderer.
type CertificateWorker struct {
	repo     certificateStore
	users    userReader
	renderer *export.CertificateRenderer
	store    *storage.LocalStorage
	logger   *zap.Logger
}

// NewCertificateWorker constructs the render worker.
func NewCertificateWorker(repo certificateStore, users userReader, renderer *export.CertificateRenderer, store *storage.LocalStorage, logger *zap.Logger) *CertificateWorker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CertificateWorker{repo: repo, users: users, renderer: renderer, store: store, logger: logger}
}

// Handle renders and persists the certificate artifact for a queue job.
func (w *CertificateWorker) Handle(ctx context.Context, job jobs.Job) error {
	if job.Type != JobTypeRenderCertificate {
		return fmt.Errorf("unexpected job type %q", job.Type)
	}

	detail, err := w.repo.FindDetailByID(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("load enrollment %s: %w", job.ID, err)
	}
	if !detail.CertificateIssued || detail.CertificateURL == nil {
		return fmt.Errorf("enrollment %s has no issued certificate", job.ID)
	}

	student, err := w.users.FindByID(ctx, detail.StudentID)
	if err != nil {
		return fmt.Errorf("load student %s: %w", detail.StudentID, err)
	}

	data := export.CertificateData{
		StudentName: student.FullName,
		CourseTitle: detail.CourseTitle,
		IssuedAt:    time.Now().UTC(),
	}
	if detail.CertificateID != nil {
		data.CertificateID = *detail.CertificateID
	}
	if detail.CompletedAt != nil {
		data.CompletedAt = *detail.CompletedAt
	}
	if detail.CertificateIssuedAt != nil {
		data.IssuedAt = *detail.CertificateIssuedAt
	}

	pdf, err := w.renderer.Render(data)
	if err != nil {
		return fmt.Errorf("render certificate for %s: %w", job.ID, err)
	}
	if _, err := w.store.Save(*detail.CertificateURL, pdf); err != nil {
		return fmt.Errorf("store certificate for %s: %w", job.ID, err)
	}

	w.logger.Info("certificate rendered",
		zap.String("enrollment_id", job.ID),
		zap.String("path", *detail.CertificateURL))
	return nil
}
