package simulation

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"quickapi/internal/client/models"
	"quickapi/internal/jobs"
	"quickapi/internal/timeout"
	dErrors "quickapi/pkg/domain-errors"
)

var (
	jpeg = []byte("\xff\xd8\xff\xe0\x00\x10JFIF\x00\x01\x01\x00\x00\x01\x00\x01\x00\x00")
	png  = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")
)

type recordingSubmitter struct {
	mu    sync.Mutex
	jobs  []*jobs.Job
	delay time.Duration
	err   error
}

func (r *recordingSubmitter) Submit(ctx context.Context, job *jobs.Job) (*jobs.Receipt, error) {
	if r.delay > 0 {
		select {
		case <-time.After(r.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	r.jobs = append(r.jobs, job)
	return &jobs.Receipt{
		JobID:       "job-1",
		Status:      jobs.StatusQueued,
		SubmittedAt: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	}, nil
}

type ServiceSuite struct {
	suite.Suite
	submitter *recordingSubmitter
	service   *Service
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func (s *ServiceSuite) SetupTest() {
	s.submitter = &recordingSubmitter{}
	s.service = NewService(s.submitter, time.Second,
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
}

func input(data string) Input {
	return Input{
		ClientID:  "acme",
		RequestID: "req-1",
		Data:      []byte(data),
		Files:     map[string]File{FieldPhoto: {Filename: "me.jpg", Content: jpeg}},
	}
}

func (s *ServiceSuite) requireValidation(err error, subtype string) *dErrors.Error {
	e, ok := dErrors.As(err)
	s.Require().True(ok, "expected a domain error, got %v", err)
	s.Equal(dErrors.CodeValidation, e.Code)
	s.Equal(subtype, e.Subtype)
	return e
}

func (s *ServiceSuite) TestCosmeticQueuesJob() {
	in := input(`{"styleMode":"MIX_MANUAL","mixFactor":"0.4","whiten":0.2,"blend":"replace","mode":"ortho","captureType":"camera","feedbackScore":4,"unknown":"x"}`)
	in.Storage = &models.StorageConfig{Bucket: "acme-inputs"}

	sim, err := s.service.Run(context.Background(), Cosmetic, in)
	s.Require().NoError(err)
	s.Equal("job-1", sim.ID)
	s.Equal(jobs.StatusQueued, sim.Status)
	s.Equal(map[string]any{"captureType": "camera", "feedbackScore": 4.0}, sim.Metadata)

	s.Require().Len(s.submitter.jobs, 1)
	job := s.submitter.jobs[0]
	s.Equal(jobs.KindCosmetic, job.Kind)
	s.Equal("cosmetic-simulations", job.APIID)
	s.Equal("acme", job.ClientID)
	s.Equal("req-1", job.RequestID)
	s.Equal("acme-inputs", job.Storage.Bucket)
	s.Equal(map[string]any{
		"mode":       "cosmetic",
		"blend":      "poisson",
		"styleMode":  "mix_manual",
		"mixFactor":  0.4,
		"brightness": 0.0,
		"whiten":     0.2,
	}, job.Params, "forced values win and unknown keys are dropped")
	s.Equal("image/jpeg", job.Photo.ContentType)
	s.Equal(len(jpeg), job.Photo.Size)
}

func (s *ServiceSuite) TestOrthoIgnoresCallerParams() {
	in := input(`{"styleMode":"auto","whiten":0.9,"brightness":0.5}`)
	in.Files[FieldPhoto] = File{Content: png}

	_, err := s.service.Run(context.Background(), Ortho, in)
	s.Require().NoError(err)

	job := s.submitter.jobs[0]
	s.Equal(map[string]any{
		"mode":       "ortho",
		"blend":      "poisson",
		"styleMode":  "mix_manual",
		"mixFactor":  0.0,
		"brightness": 0.0,
		"whiten":     0.0,
	}, job.Params)
	s.Equal("image/png", job.Photo.ContentType)
}

func (s *ServiceSuite) TestEmptyDataUsesDefaults() {
	_, err := s.service.Run(context.Background(), Cosmetic, input(""))
	s.Require().NoError(err)
	s.Equal(map[string]any{
		"mode":       "cosmetic",
		"blend":      "poisson",
		"styleMode":  "auto",
		"brightness": 0.0,
		"whiten":     0.0,
	}, s.submitter.jobs[0].Params)
}

func (s *ServiceSuite) TestRejectsBadParams() {
	tests := []struct {
		name    string
		data    string
		subtype string
		message string
	}{
		{"whiten above range", `{"whiten":1.5}`, "body-validation-error", "whiten must be at most 1"},
		{"brightness below range", `{"brightness":-2}`, "body-validation-error", "brightness must be at least -1"},
		{"unknown style mode", `{"styleMode":"fancy"}`, "body-validation-error", "styleMode must be one of [auto mix_manual]"},
		{"mix mode needs a factor", `{"styleMode":"mix_manual"}`, "body-validation-error", "mixFactor is required when styleMode is mix_manual"},
		{"factor out of range", `{"styleMode":"mix_manual","mixFactor":3}`, "body-validation-error", "mixFactor must be at most 1"},
		{"not a number", `{"whiten":"lots"}`, "body-validation-error", "whiten must be a number"},
		{"bad capture type", `{"captureType":"scanner"}`, "body-validation-error", "captureType must be one of [file camera]"},
		{"score above five", `{"feedbackScore":9}`, "body-validation-error", "feedbackScore must be at most 5"},
		{"malformed json", `{"whiten":`, "invalid-json", "data field is not valid JSON"},
	}
	for _, tt := range tests {
		s.Run(tt.name, func() {
			_, err := s.service.Run(context.Background(), Cosmetic, input(tt.data))
			e := s.requireValidation(err, tt.subtype)
			s.Equal(tt.message, e.Message)
		})
	}
	s.Empty(s.submitter.jobs)
}

func (s *ServiceSuite) TestPhotoChecks() {
	s.Run("missing", func() {
		in := input("")
		in.Files = map[string]File{"imgOther": {Content: jpeg}}
		_, err := s.service.Run(context.Background(), Cosmetic, in)
		e := s.requireValidation(err, SubtypeNoPhoto)
		s.Equal([]string{"imgOther"}, e.Details["imgParamsReceived"])
	})
	s.Run("empty", func() {
		in := input("")
		in.Files[FieldPhoto] = File{}
		_, err := s.service.Run(context.Background(), Cosmetic, in)
		s.requireValidation(err, SubtypeNoPhoto)
	})
	s.Run("not an image", func() {
		in := input("")
		in.Files[FieldPhoto] = File{Content: []byte("hello world")}
		_, err := s.service.Run(context.Background(), Cosmetic, in)
		e := s.requireValidation(err, SubtypeUnknownFormat)
		s.Equal("text/plain; charset=utf-8", e.Details["receivedPhotoType"])
	})
}

func (s *ServiceSuite) TestSubmitFailurePropagates() {
	s.submitter.err = dErrors.Wrap(errors.New("broker down"), dErrors.CodeInternal, "submit simulation job")
	_, err := s.service.Run(context.Background(), Cosmetic, input(""))
	s.True(dErrors.HasCode(err, dErrors.CodeInternal))
}

func (s *ServiceSuite) TestSubmissionRunsUnderSimulationBudget() {
	s.submitter.delay = time.Second
	service := NewService(s.submitter, 30*time.Millisecond)

	m := timeout.New(context.Background())
	_, err := m.Start(time.Minute, timeout.BudgetRoute)
	s.Require().NoError(err)
	defer m.ClearAll()

	_, err = service.Run(timeout.NewContext(context.Background(), m), Cosmetic, input(""))
	e, ok := dErrors.As(err)
	s.Require().True(ok)
	s.Equal(dErrors.CodeTimeout, e.Code)
	s.Equal(timeout.BudgetSimulation, e.Subtype)
}

func TestSubmissionNeverOutlivesRouteBudget(t *testing.T) {
	sub := &recordingSubmitter{delay: time.Second}
	service := NewService(sub, time.Minute)

	m := timeout.New(context.Background())
	_, err := m.Start(40*time.Millisecond, timeout.BudgetRoute)
	require.NoError(t, err)

	start := time.Now()
	_, err = service.Run(timeout.NewContext(context.Background(), m), Ortho, input(""))
	require.Error(t, err)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeTimeout))
	assert.True(t, m.Expired())
}

func TestSubmissionAfterRouteDeadlineReportsRouteBudget(t *testing.T) {
	sub := &recordingSubmitter{}
	service := NewService(sub, time.Minute)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m := timeout.New(context.Background(), timeout.WithClock(func() time.Time { return now }))
	_, err := m.Start(time.Minute, timeout.BudgetRoute)
	require.NoError(t, err)
	// The deadline has passed on the manager's clock but its timer has not fired.
	now = now.Add(2 * time.Minute)

	_, err = service.Run(timeout.NewContext(context.Background(), m), Ortho, input(""))
	e, ok := dErrors.As(err)
	require.True(t, ok, "expected domain error, got %v", err)
	assert.Equal(t, dErrors.CodeTimeout, e.Code)
	assert.Equal(t, timeout.BudgetRoute, e.Subtype)
	assert.Empty(t, sub.jobs)
}

func TestSubmissionWithoutManagerUsesBudget(t *testing.T) {
	sub := &recordingSubmitter{delay: time.Second}
	service := NewService(sub, 20*time.Millisecond)

	_, err := service.Run(context.Background(), Ortho, input(""))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
