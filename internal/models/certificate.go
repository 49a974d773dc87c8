package models

import "time"

// Certificate describes an issued proof-of-completion artifact.
type Certificate struct {
	CertificateID string     `json:"certificate_id"`
	EnrollmentID  string     `json:"enrollment_id"`
	CourseID      string     `json:"course_id"`
	Issued        bool       `json:"issued"`
	IssuedAt      *time.Time `json:"issued_at,omitempty"`
	URL           string     `json:"url,omitempty"`
	DownloadURL   string     `json:"download_url,omitempty"`
	ExpiresAt     *time.Time `json:"download_expires_at,omitempty"`
}
