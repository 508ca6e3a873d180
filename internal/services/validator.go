package services

import (
	"bytes"
	"fmt"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"github.com/Lllllllleong/scanwatch/internal/config"
	"github.com/Lllllllleong/scanwatch/internal/models"
)

// Validator rejects files locally, before any credit is spent on them.
type Validator struct {
	settings config.Settings
}

// NewValidator creates a validator for one settings snapshot.
func NewValidator(settings config.Settings) *Validator {
	return &Validator{settings: settings}
}

// CheckFile validates type and size from file metadata alone.
func (v *Validator) CheckFile(file models.WatchedFile) error {
	if !v.settings.Supports(file.Ext()) {
		return models.NewError(models.KindValidation, models.ReasonUnsupportedType, "Unsupported file type")
	}
	if file.Size > v.settings.MaxFileSize {
		return models.NewError(models.KindValidation, models.ReasonFileTooLarge,
			fmt.Sprintf("File too large (%d bytes, limit %d)", file.Size, v.settings.MaxFileSize))
	}
	if file.Size == 0 {
		return models.NewError(models.KindValidation, models.ReasonInvalidDocument, "File is empty")
	}
	return nil
}

// CheckContent validates the bytes about to be uploaded. For PDFs it returns
// the page count; images report 1.
func (v *Validator) CheckContent(file models.WatchedFile, data []byte) (int, error) {
	if int64(len(data)) > v.settings.MaxFileSize {
		return 0, models.NewError(models.KindValidation, models.ReasonFileTooLarge, "File too large")
	}
	if len(data) == 0 {
		return 0, models.NewError(models.KindValidation, models.ReasonInvalidDocument, "File is empty")
	}
	if file.Ext() != "pdf" {
		return 1, nil
	}

	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	pages, err := api.PageCount(bytes.NewReader(data), conf)
	if err != nil {
		return 0, models.WrapError(models.KindValidation, models.ReasonInvalidDocument, "File is not a readable PDF", err)
	}
	if pages == 0 {
		return 0, models.NewError(models.KindValidation, models.ReasonInvalidDocument, "PDF has no pages")
	}
	return pages, nil
}
