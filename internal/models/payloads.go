package models

// These structs define the JSON payloads exchanged with the remote
// transcription service.

// UserResponse is returned by GET /users/me.
type UserResponse struct {
	ID      string `json:"id"`
	Email   string `json:"email"`
	Name    string `json:"name"`
	Credits int    `json:"balance"`
}

// UploadResponse is returned by POST /documents.
type UploadResponse struct {
	ID        string    `json:"id"`
	Status    JobStatus `json:"status"`
	CreatedAt string    `json:"created_at"`
	UpdatedAt string    `json:"updated_at"`
}

// StatusResponse is returned by GET /documents/{id}.
type StatusResponse struct {
	ID     string    `json:"id"`
	Status JobStatus `json:"status"`
	Pages  int       `json:"pages,omitempty"`
	Error  string    `json:"error,omitempty"`
}

// ResultPage is a single entry of ResultResponse.Results.
type ResultPage struct {
	PageNumber int    `json:"page_number"`
	Transcript string `json:"transcript"`
}

// ResultThumbnail is a single entry of ResultResponse.Thumbnails.
type ResultThumbnail struct {
	PageNumber int    `json:"page_number"`
	URL        string `json:"url"`
}

// ResultResponse is returned by GET /documents/{id}.json.
type ResultResponse struct {
	ID         string            `json:"id"`
	FileName   string            `json:"file_name"`
	PageCount  int               `json:"page_count"`
	Status     JobStatus         `json:"status"`
	Results    []ResultPage      `json:"results"`
	Thumbnails []ResultThumbnail `json:"thumbnails,omitempty"`
	Error      string            `json:"error,omitempty"`
}

// ToJob converts the wire payload into the in-memory DocumentJob.
func (r *ResultResponse) ToJob() *DocumentJob {
	job := &DocumentJob{
		ID:        r.ID,
		FileName:  r.FileName,
		Status:    r.Status,
		PageCount: r.PageCount,
		Error:     r.Error,
	}
	for _, p := range r.Results {
		job.Pages = append(job.Pages, PageTranscript{PageNumber: p.PageNumber, Transcript: p.Transcript})
	}
	for _, t := range r.Thumbnails {
		job.Thumbnails = append(job.Thumbnails, PageThumbnail{PageNumber: t.PageNumber, URL: t.URL})
	}
	if job.PageCount == 0 {
		job.PageCount = len(job.Pages)
	}
	return job
}
