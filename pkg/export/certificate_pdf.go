package export

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/jung-kurt/gofpdf"
)

// CertificateData carries everything rendered onto a completion certificate.
type CertificateData struct {
	CertificateID string
	StudentName   string
	CourseTitle   string
	CompletedAt   time.Time
	IssuedAt      time.Time
}

// CertificateRenderer renders completion certificates as PDF documents.
type CertificateRenderer struct{}

// NewCertificateRenderer constructs a certificate renderer.
func NewCertificateRenderer() *CertificateRenderer {
	return &CertificateRenderer{}
}

// Render produces the PDF bytes for a completion certificate.
func (r *CertificateRenderer) Render(data CertificateData) ([]byte, error) {
	if data.StudentName == "" || data.CourseTitle == "" {
		return nil, fmt.Errorf("certificate requires student name and course title")
	}

	pdf := gofpdf.New("L", "mm", "A4", "")
	pdf.SetMargins(20, 25, 20)
	pdf.AddPage()

	pdf.SetFont("Arial", "B", 28)
	pdf.CellFormat(0, 18, "CERTIFICATE OF COMPLETION", "", 1, "C", false, 0, "")
	pdf.Ln(10)

	pdf.SetFont("Arial", "", 13)
	pdf.CellFormat(0, 8, "This certifies that", "", 1, "C", false, 0, "")
	pdf.Ln(2)

	pdf.SetFont("Arial", "B", 22)
	pdf.CellFormat(0, 12, data.StudentName, "", 1, "C", false, 0, "")
	pdf.Ln(2)

	pdf.SetFont("Arial", "", 13)
	pdf.CellFormat(0, 8, "has successfully completed the course", "", 1, "C", false, 0, "")
	pdf.Ln(2)

	pdf.SetFont("Arial", "B", 18)
	pdf.CellFormat(0, 10, strings.ToUpper(data.CourseTitle), "", 1, "C", false, 0, "")
	pdf.Ln(8)

	pdf.SetFont("Arial", "", 11)
	completed := data.CompletedAt.Format("2 January 2006")
	pdf.CellFormat(0, 7, fmt.Sprintf("Completed on %s", completed), "", 1, "C", false, 0, "")

	pdf.SetFont("Arial", "I", 9)
	issued := data.IssuedAt.Format("2 January 2006")
	pdf.CellFormat(0, 6, fmt.Sprintf("Issued %s - Certificate %s", issued, data.CertificateID), "", 1, "C", false, 0, "")

	buf := &bytes.Buffer{}
	if err := pdf.Output(buf); err != nil {
		return nil, fmt.Errorf("render certificate pdf: %w", err)
	}
	return buf.Bytes(), nil
}
