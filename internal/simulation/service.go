// Package simulation turns an authenticated upload into a queued simulation
// job.
package simulation

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"quickapi/internal/client/models"
	"quickapi/internal/jobs"
	"quickapi/internal/timeout"
	dErrors "quickapi/pkg/domain-errors"
	"quickapi/pkg/platform/httputil"
)

// FieldPhoto is the upload field holding the picture to simulate on.
const FieldPhoto = "imgPhoto"

// Validation subtypes reported for the photo upload.
const (
	SubtypeNoPhoto       = "no-photo"
	SubtypeUnknownFormat = "unknown-format"
)

// supportedTypes are the sniffed content types accepted for FieldPhoto.
var supportedTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
}

// File is one uploaded file.
type File struct {
	Filename string
	Content  []byte
}

// Input is everything the gateway established about a request.
type Input struct {
	ClientID  string
	RequestID string
	// Data is the raw data field; empty when the caller sent none.
	Data    []byte
	Files   map[string]File
	Storage *models.StorageConfig
}

// Simulation is the public view of a queued simulation.
type Simulation struct {
	ID        string         `json:"id"`
	CreatedAt time.Time      `json:"createdAt"`
	Status    string         `json:"status"`
	Metadata  map[string]any `json:"metadata"`
}

// Submitter queues a job.
type Submitter interface {
	Submit(ctx context.Context, job *jobs.Job) (*jobs.Receipt, error)
}

// Service validates simulation requests and submits them.
type Service struct {
	submitter Submitter
	budget    time.Duration
	logger    *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// NewService creates a Service whose submissions are bounded by budget and by
// whatever deadline the request's timeout manager already holds.
func NewService(submitter Submitter, budget time.Duration, opts ...Option) *Service {
	s := &Service{
		submitter: submitter,
		budget:    budget,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run validates in for variant v and queues the job.
func (s *Service) Run(ctx context.Context, v Variant, in Input) (*Simulation, error) {
	photo, err := checkPhoto(in.Files)
	if err != nil {
		return nil, err
	}

	data, err := httputil.DecodeAndPrepare[map[string]any](in.Data)
	if err != nil {
		return nil, err
	}
	if *data == nil {
		*data = map[string]any{}
	}
	params, err := v.BuildParams(*data)
	if err != nil {
		return nil, err
	}
	metadata, err := BuildMetadata(*data)
	if err != nil {
		return nil, err
	}

	job := &jobs.Job{
		Kind:      v.Kind,
		ClientID:  in.ClientID,
		APIID:     v.APIID,
		RequestID: in.RequestID,
		Params:    params.Map(),
		Photo:     photo,
		Storage:   in.Storage,
	}
	receipt, err := s.submit(ctx, job)
	if err != nil {
		return nil, err
	}

	s.logger.DebugContext(ctx, "simulation queued",
		"job_id", receipt.JobID,
		"kind", v.Kind,
		"client_id", in.ClientID,
	)
	return &Simulation{
		ID:        receipt.JobID,
		CreatedAt: receipt.SubmittedAt,
		Status:    receipt.Status,
		Metadata:  metadata.Map(),
	}, nil
}

// submit runs the submission under the simulation budget, never past the
// earliest deadline already armed for the request.
func (s *Service) submit(ctx context.Context, job *jobs.Job) (*jobs.Receipt, error) {
	m := timeout.FromContext(ctx)
	if m == nil {
		ctx, cancel := context.WithTimeout(ctx, s.budget)
		defer cancel()
		return s.submitter.Submit(ctx, job)
	}
	left := m.Remaining(s.budget)
	if left <= 0 {
		// An earlier deadline has passed; report it rather than a zero-length simulation budget.
		if err := m.ExpireOverdue(); err != nil {
			return nil, err
		}
		left = s.budget
	}
	return timeout.ExecValue(m, left, timeout.BudgetSimulation,
		func(ctx context.Context) (*jobs.Receipt, error) {
			return s.submitter.Submit(ctx, job)
		})
}

func checkPhoto(files map[string]File) (jobs.Photo, error) {
	f, ok := files[FieldPhoto]
	if !ok || len(f.Content) == 0 {
		return jobs.Photo{}, dErrors.Validation(SubtypeNoPhoto, FieldPhoto+" is mandatory").
			WithDetail("imgParamsReceived", keys(files))
	}
	contentType := http.DetectContentType(f.Content)
	if !supportedTypes[contentType] {
		return jobs.Photo{}, dErrors.Validation(SubtypeUnknownFormat, FieldPhoto+" format is unknown").
			WithDetail("receivedPhotoType", contentType)
	}
	return jobs.Photo{
		Filename:    f.Filename,
		ContentType: contentType,
		Size:        len(f.Content),
		Data:        f.Content,
	}, nil
}
