package services

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lllllllleong/scanwatch/internal/models"
)

// minimalPDF builds a well-formed PDF with the given number of blank pages.
func minimalPDF(pages int) []byte {
	var buf bytes.Buffer
	var offsets []int
	buf.WriteString("%PDF-1.4\n")

	obj := func(body string) {
		offsets = append(offsets, buf.Len())
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", len(offsets), body)
	}

	kids := ""
	for i := 0; i < pages; i++ {
		kids += fmt.Sprintf("%d 0 R ", i+3)
	}
	obj("<< /Type /Catalog /Pages 2 0 R >>")
	obj(fmt.Sprintf("<< /Type /Pages /Kids [%s] /Count %d >>", kids, pages))
	for i := 0; i < pages; i++ {
		obj("<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Resources << >> >>")
	}

	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n0000000000 65535 f \n", len(offsets)+1)
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(offsets)+1, xref)
	return buf.Bytes()
}

func TestValidator_CheckFile(t *testing.T) {
	s := testSettings()
	s.MaxFileSize = 100
	v := NewValidator(s)

	assert.NoError(t, v.CheckFile(models.WatchedFile{Path: "a.jpg", Size: 100}))
	assert.Equal(t, models.ReasonUnsupportedType, models.ReasonOf(v.CheckFile(models.WatchedFile{Path: "a.docx", Size: 1})))
	assert.Equal(t, models.ReasonFileTooLarge, models.ReasonOf(v.CheckFile(models.WatchedFile{Path: "a.jpg", Size: 101})))
	assert.True(t, models.IsKind(v.CheckFile(models.WatchedFile{Path: "a.jpg"}), models.KindValidation))
}

func TestValidator_CheckContent(t *testing.T) {
	v := NewValidator(testSettings())

	t.Run("pdf page count", func(t *testing.T) {
		pages, err := v.CheckContent(models.WatchedFile{Path: "note.pdf"}, minimalPDF(2))
		require.NoError(t, err)
		assert.Equal(t, 2, pages)
	})

	t.Run("corrupt pdf", func(t *testing.T) {
		_, err := v.CheckContent(models.WatchedFile{Path: "note.pdf"}, []byte("definitely not a pdf"))
		assert.Equal(t, models.ReasonInvalidDocument, models.ReasonOf(err))
	})

	t.Run("image", func(t *testing.T) {
		pages, err := v.CheckContent(models.WatchedFile{Path: "scan.png"}, []byte{0x89, 'P', 'N', 'G'})
		require.NoError(t, err)
		assert.Equal(t, 1, pages)
	})
}
