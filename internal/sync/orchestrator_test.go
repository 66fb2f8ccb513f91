package sync

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/attendwise/syncengine/internal/models"
	"github.com/attendwise/syncengine/internal/progress"
	"github.com/attendwise/syncengine/internal/provider"
	"github.com/attendwise/syncengine/internal/syncjobs"
	"github.com/attendwise/syncengine/internal/webinars"
)

type mockConns struct {
	byID map[uuid.UUID]*models.Connection
}

func (m *mockConns) GetByID(_ context.Context, id uuid.UUID) (*models.Connection, error) {
	return m.byID[id], nil
}

type finalizeCall struct {
	outcome models.JobStatus
	errMsg  *string
}

type progressCall struct {
	processed int
	total     int
	stage     string
}

type mockJobs struct {
	job       *models.SyncJob
	createErr error

	started       bool
	progressCalls []progressCall
	finalize      *finalizeCall
	metadata      map[string]any
	cancelAfter   int // progress updates before CancelRequested flips true
	cancelReads   int
}

func (m *mockJobs) Create(_ context.Context, connectionID uuid.UUID, kind models.JobKind) (*models.SyncJob, error) {
	if m.createErr != nil {
		return nil, m.createErr
	}
	m.job = &models.SyncJob{
		ID:           uuid.New(),
		ConnectionID: connectionID,
		Kind:         kind,
		Status:       models.JobStatusPending,
	}
	return m.job, nil
}

func (m *mockJobs) GetByID(_ context.Context, jobID uuid.UUID) (*models.SyncJob, error) {
	if m.job == nil || m.job.ID != jobID {
		return nil, nil
	}
	return m.job, nil
}

func (m *mockJobs) Start(_ context.Context, _ uuid.UUID) error {
	m.started = true
	m.job.Status = models.JobStatusRunning
	return nil
}

func (m *mockJobs) UpdateProgress(_ context.Context, _ uuid.UUID, processed, total int, stage string, _ int) error {
	m.progressCalls = append(m.progressCalls, progressCall{processed: processed, total: total, stage: stage})
	return nil
}

func (m *mockJobs) Finalize(_ context.Context, _ uuid.UUID, outcome models.JobStatus, errMsg *string) error {
	m.finalize = &finalizeCall{outcome: outcome, errMsg: errMsg}
	m.job.Status = outcome
	return nil
}

func (m *mockJobs) MergeMetadata(_ context.Context, _ uuid.UUID, fields map[string]any) error {
	if m.metadata == nil {
		m.metadata = map[string]any{}
	}
	for k, v := range fields {
		m.metadata[k] = v
	}
	if opts, ok := fields["options"]; ok && m.job != nil {
		raw, _ := json.Marshal(map[string]any{"options": opts})
		m.job.Metadata = raw
	}
	return nil
}

func (m *mockJobs) RequestCancel(_ context.Context, _ uuid.UUID) error {
	m.job.CancelRequested = true
	return nil
}

func (m *mockJobs) CancelRequested(_ context.Context, _ uuid.UUID) (bool, error) {
	m.cancelReads++
	if m.cancelAfter > 0 && m.cancelReads > m.cancelAfter {
		return true, nil
	}
	return m.job != nil && m.job.CancelRequested, nil
}

type mockReconciler struct {
	cleaned []uuid.UUID
	err     error
	calls   int
}

func (m *mockReconciler) Reconcile(_ context.Context, _ uuid.UUID) ([]uuid.UUID, error) {
	m.calls++
	return m.cleaned, m.err
}

type mockProvider struct {
	webinarPages     []provider.Page[provider.WebinarRecord]
	registrantPages  map[string][]provider.Page[provider.RegistrantRecord]
	participantPages map[string][]provider.Page[provider.ParticipantRecord]

	webinarErr     error
	registrantErrs map[string]error

	registrantStreams  []string
	participantStreams []string
}

func pages[T any](fn func(provider.Page[T]) error, ps []provider.Page[T], afterErr error) error {
	for _, p := range ps {
		if err := fn(p); err != nil {
			if errors.Is(err, provider.ErrStop) {
				return nil
			}
			return err
		}
	}
	return afterErr
}

func (m *mockProvider) EachWebinarPage(_ context.Context, _ *models.Connection, fn func(provider.Page[provider.WebinarRecord]) error) error {
	return pages(fn, m.webinarPages, m.webinarErr)
}

func (m *mockProvider) EachRegistrantPage(_ context.Context, _ *models.Connection, webinarProviderID string, fn func(provider.Page[provider.RegistrantRecord]) error) error {
	m.registrantStreams = append(m.registrantStreams, webinarProviderID)
	if err, ok := m.registrantErrs[webinarProviderID]; ok {
		return err
	}
	return pages(fn, m.registrantPages[webinarProviderID], nil)
}

func (m *mockProvider) EachParticipantPage(_ context.Context, _ *models.Connection, webinarProviderID string, fn func(provider.Page[provider.ParticipantRecord]) error) error {
	m.participantStreams = append(m.participantStreams, webinarProviderID)
	return pages(fn, m.participantPages[webinarProviderID], nil)
}

type mockWebinars struct {
	upserts  []*models.Webinar
	existing []models.Webinar
	agg      map[uuid.UUID]*webinars.Aggregates
	statuses map[uuid.UUID]models.ParticipantSyncStatus
}

func (m *mockWebinars) Upsert(_ context.Context, w *models.Webinar) error {
	if w.ID == uuid.Nil {
		w.ID = uuid.New()
	}
	m.upserts = append(m.upserts, w)
	return nil
}

func (m *mockWebinars) ListByConnection(_ context.Context, _ uuid.UUID) ([]models.Webinar, error) {
	return m.existing, nil
}

func (m *mockWebinars) SetParticipantSyncStatus(_ context.Context, id uuid.UUID, status models.ParticipantSyncStatus) error {
	if m.statuses == nil {
		m.statuses = map[uuid.UUID]models.ParticipantSyncStatus{}
	}
	m.statuses[id] = status
	return nil
}

func (m *mockWebinars) RecomputeAggregates(_ context.Context, id uuid.UUID) (*webinars.Aggregates, error) {
	if a, ok := m.agg[id]; ok {
		return a, nil
	}
	return &webinars.Aggregates{}, nil
}

type mockRegistrants struct {
	rows       []*models.Registrant
	backfilled []uuid.UUID
}

func (m *mockRegistrants) UpsertBatch(_ context.Context, regs []*models.Registrant) error {
	m.rows = append(m.rows, regs...)
	return nil
}

func (m *mockRegistrants) BackfillAttendance(_ context.Context, webinarID uuid.UUID) error {
	m.backfilled = append(m.backfilled, webinarID)
	return nil
}

type mockParticipants struct {
	rows    []*models.Participant
	matched []uuid.UUID
}

func (m *mockParticipants) UpsertBatch(_ context.Context, parts []*models.Participant) error {
	m.rows = append(m.rows, parts...)
	return nil
}

func (m *mockParticipants) MatchRegistrants(_ context.Context, webinarID uuid.UUID) error {
	m.matched = append(m.matched, webinarID)
	return nil
}

type mockSink struct {
	records []progress.Record
	cleared []uuid.UUID
}

func (m *mockSink) Publish(_ context.Context, rec progress.Record) {
	m.records = append(m.records, rec)
}

func (m *mockSink) Clear(_ context.Context, jobID uuid.UUID) {
	m.cleared = append(m.cleared, jobID)
}

type fixture struct {
	conns        *mockConns
	jobs         *mockJobs
	reconciler   *mockReconciler
	provider     *mockProvider
	webinars     *mockWebinars
	registrants  *mockRegistrants
	participants *mockParticipants
	sink         *mockSink

	conn *models.Connection
	orch *Orchestrator
}

func newFixture() *fixture {
	conn := &models.Connection{ID: uuid.New(), ProviderAccountID: "acct-1", AuthToken: "tok", Active: true}
	f := &fixture{
		conns:      &mockConns{byID: map[uuid.UUID]*models.Connection{conn.ID: conn}},
		jobs:       &mockJobs{},
		reconciler: &mockReconciler{},
		provider: &mockProvider{
			registrantPages:  map[string][]provider.Page[provider.RegistrantRecord]{},
			participantPages: map[string][]provider.Page[provider.ParticipantRecord]{},
		},
		webinars:     &mockWebinars{agg: map[uuid.UUID]*webinars.Aggregates{}},
		registrants:  &mockRegistrants{},
		participants: &mockParticipants{},
		sink:         &mockSink{},
		conn:         conn,
	}
	f.orch = NewOrchestrator(f.conns, f.jobs, f.reconciler, f.provider, f.webinars,
		f.registrants, f.participants, f.sink, nil, zap.NewNop())
	return f
}

func (f *fixture) start(t *testing.T, kind models.JobKind, opts models.SyncOptions) *models.SyncJob {
	t.Helper()
	job, err := f.orch.Start(context.Background(), f.conn.ID, kind, opts)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	return job
}

func webinarPage(num int, recs ...provider.WebinarRecord) provider.Page[provider.WebinarRecord] {
	return provider.Page[provider.WebinarRecord]{Items: recs, PageNumber: num, TotalRecords: len(recs)}
}

func endedWebinar(id string) provider.WebinarRecord {
	return provider.WebinarRecord{ID: id, Topic: "t-" + id, StartTime: "2026-03-01T10:00:00Z", DurationMinutes: 60, Status: "ended"}
}

func TestStartCreatesPendingJob(t *testing.T) {
	f := newFixture()
	job := f.start(t, models.JobKindFull, models.SyncOptions{Registrants: true, Participants: true})

	if job.Status != models.JobStatusPending {
		t.Fatalf("new job status = %q, want pending", job.Status)
	}
	if f.reconciler.calls != 1 {
		t.Fatalf("reconcile calls = %d, want 1", f.reconciler.calls)
	}
	if _, ok := f.jobs.metadata["options"]; !ok {
		t.Fatal("sync options not stored on the job")
	}
}

func TestStartRejectsInactiveConnection(t *testing.T) {
	f := newFixture()
	f.conn.Active = false

	_, err := f.orch.Start(context.Background(), f.conn.ID, models.JobKindFull, models.SyncOptions{})
	if !errors.Is(err, ErrConnectionInvalid) {
		t.Fatalf("err = %v, want ErrConnectionInvalid", err)
	}
	if f.jobs.job != nil {
		t.Fatal("job created despite inactive connection")
	}
}

func TestStartRejectsUnknownConnection(t *testing.T) {
	f := newFixture()
	_, err := f.orch.Start(context.Background(), uuid.New(), models.JobKindFull, models.SyncOptions{})
	if !errors.Is(err, ErrConnectionInvalid) {
		t.Fatalf("err = %v, want ErrConnectionInvalid", err)
	}
}

func TestStartPropagatesActiveJobContention(t *testing.T) {
	f := newFixture()
	f.jobs.createErr = &syncjobs.ActiveJobError{JobID: uuid.New()}

	_, err := f.orch.Start(context.Background(), f.conn.ID, models.JobKindFull, models.SyncOptions{})
	var active *syncjobs.ActiveJobError
	if !errors.As(err, &active) {
		t.Fatalf("err = %v, want ActiveJobError", err)
	}
}

func TestRunFullSyncHappyPath(t *testing.T) {
	f := newFixture()
	f.provider.webinarPages = []provider.Page[provider.WebinarRecord]{
		webinarPage(1, endedWebinar("w1")),
	}
	f.provider.registrantPages["w1"] = []provider.Page[provider.RegistrantRecord]{
		{Items: []provider.RegistrantRecord{
			{ID: "r1", Email: "a@example.com", Status: "approved"},
			{ID: "r2", Email: "b@example.com"},
		}, PageNumber: 1, TotalRecords: 2},
	}
	f.provider.participantPages["w1"] = []provider.Page[provider.ParticipantRecord]{
		{Items: []provider.ParticipantRecord{
			{ID: "p1", Email: "a@example.com", Name: "A", DurationSeconds: 900},
		}, PageNumber: 1, TotalRecords: 1},
	}

	job := f.start(t, models.JobKindFull, models.SyncOptions{Registrants: true, Participants: true})
	webinarID := uuid.Nil
	f.webinars.agg = map[uuid.UUID]*webinars.Aggregates{}
	if err := f.orch.Run(context.Background(), job.ID); err != nil {
		t.Fatalf("run: %v", err)
	}

	if len(f.webinars.upserts) != 1 {
		t.Fatalf("webinar upserts = %d, want 1", len(f.webinars.upserts))
	}
	webinarID = f.webinars.upserts[0].ID
	if len(f.registrants.rows) != 2 {
		t.Fatalf("registrant rows = %d, want 2", len(f.registrants.rows))
	}
	// Missing registrant status defaults to approved.
	if f.registrants.rows[1].Status != models.RegistrantStatusApproved {
		t.Fatalf("defaulted registrant status = %q, want approved", f.registrants.rows[1].Status)
	}
	if len(f.participants.rows) != 1 {
		t.Fatalf("participant rows = %d, want 1", len(f.participants.rows))
	}
	if len(f.participants.matched) != 1 || f.participants.matched[0] != webinarID {
		t.Fatal("registrant matching not run for the ended webinar")
	}
	if len(f.registrants.backfilled) != 1 {
		t.Fatal("attendance backfill not run for the ended webinar")
	}
	if f.jobs.finalize == nil || f.jobs.finalize.outcome != models.JobStatusCompleted {
		t.Fatalf("finalize = %+v, want completed", f.jobs.finalize)
	}
	if len(f.sink.cleared) != 1 {
		t.Fatal("progress key not cleared after completion")
	}
	if len(f.sink.records) == 0 {
		t.Fatal("no progress records published")
	}
}

func TestRunSubStatusFromAggregates(t *testing.T) {
	cases := []struct {
		name string
		agg  webinars.Aggregates
		want models.ParticipantSyncStatus
	}{
		{"attendees present", webinars.Aggregates{Registrants: 3, Attendees: 2}, models.ParticipantSyncCompleted},
		{"registered nobody showed", webinars.Aggregates{Registrants: 3, Attendees: 0}, models.ParticipantSyncNoParticipants},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture()
			w := models.Webinar{ID: uuid.New(), ConnectionID: f.conn.ID, ProviderID: "w1", Status: models.WebinarStatusEnded}
			agg := tc.agg
			f.webinars.agg[w.ID] = &agg

			if err := f.orch.reconcileWebinar(context.Background(), w, &runState{}); err != nil {
				t.Fatalf("reconcile webinar: %v", err)
			}
			if got := f.webinars.statuses[w.ID]; got != tc.want {
				t.Fatalf("sub-status = %q, want %q", got, tc.want)
			}
			if len(f.participants.matched) != 1 || len(f.registrants.backfilled) != 1 {
				t.Fatal("matching and backfill must run before the aggregate recompute")
			}
		})
	}
}

func TestRunSkipsMalformedRows(t *testing.T) {
	f := newFixture()
	f.provider.webinarPages = []provider.Page[provider.WebinarRecord]{
		webinarPage(1,
			endedWebinar("w1"),
			provider.WebinarRecord{Topic: "no id"},
		),
	}
	f.provider.registrantPages["w1"] = []provider.Page[provider.RegistrantRecord]{
		{Items: []provider.RegistrantRecord{
			{ID: "r1", Email: "a@example.com"},
			{ID: "r2"}, // no email
		}, PageNumber: 1, TotalRecords: 2},
	}

	job := f.start(t, models.JobKindFull, models.SyncOptions{Registrants: true})
	if err := f.orch.Run(context.Background(), job.ID); err != nil {
		t.Fatalf("run: %v", err)
	}

	if len(f.webinars.upserts) != 1 {
		t.Fatalf("webinar upserts = %d, want 1 (malformed row skipped)", len(f.webinars.upserts))
	}
	if len(f.registrants.rows) != 1 {
		t.Fatalf("registrant rows = %d, want 1 (malformed row skipped)", len(f.registrants.rows))
	}
	if got := f.jobs.metadata["skipped_webinars"]; got != 1 {
		t.Fatalf("skipped_webinars metadata = %v, want 1", got)
	}
	if got := f.jobs.metadata["skipped_registrants"]; got != 1 {
		t.Fatalf("skipped_registrants metadata = %v, want 1", got)
	}
	if f.jobs.finalize.outcome != models.JobStatusCompleted {
		t.Fatalf("outcome = %q, want completed despite skipped rows", f.jobs.finalize.outcome)
	}
}

func TestRunAuthFailureMessage(t *testing.T) {
	f := newFixture()
	f.provider.webinarErr = provider.ErrAuthInvalid

	job := f.start(t, models.JobKindFull, models.SyncOptions{Registrants: true})
	err := f.orch.Run(context.Background(), job.ID)
	if !errors.Is(err, provider.ErrAuthInvalid) {
		t.Fatalf("run err = %v, want ErrAuthInvalid", err)
	}
	if f.jobs.finalize.outcome != models.JobStatusFailed {
		t.Fatalf("outcome = %q, want failed", f.jobs.finalize.outcome)
	}
	if f.jobs.finalize.errMsg == nil || !strings.Contains(*f.jobs.finalize.errMsg, "re-authenticate") {
		t.Fatalf("error message = %v, want re-authenticate guidance", f.jobs.finalize.errMsg)
	}
}

func TestRunFatalMidStreamKeepsCommittedWork(t *testing.T) {
	f := newFixture()
	f.provider.webinarPages = []provider.Page[provider.WebinarRecord]{
		webinarPage(1, endedWebinar("w1"), endedWebinar("w2")),
	}
	f.provider.registrantPages["w1"] = []provider.Page[provider.RegistrantRecord]{
		{Items: []provider.RegistrantRecord{{ID: "r1", Email: "a@example.com"}}, PageNumber: 1, TotalRecords: 1},
	}
	f.provider.registrantErrs = map[string]error{
		"w2": &provider.FatalError{Reason: "retry budget exhausted", Err: &provider.TransientError{Reason: "server error"}},
	}

	job := f.start(t, models.JobKindFull, models.SyncOptions{Registrants: true})
	if err := f.orch.Run(context.Background(), job.ID); err == nil {
		t.Fatal("run succeeded, want fatal error")
	}

	if len(f.registrants.rows) != 1 {
		t.Fatalf("registrant rows = %d, want 1 committed before the failure", len(f.registrants.rows))
	}
	if f.jobs.finalize.outcome != models.JobStatusFailed {
		t.Fatalf("outcome = %q, want failed", f.jobs.finalize.outcome)
	}
	if f.jobs.finalize.errMsg == nil || !strings.Contains(*f.jobs.finalize.errMsg, "retry budget") {
		t.Fatalf("error message = %v, want retry-budget wording", f.jobs.finalize.errMsg)
	}
	// Progress written for the completed stream survives the failure.
	if len(f.jobs.progressCalls) == 0 {
		t.Fatal("no progress persisted before the failure")
	}
}

func TestRunCancelBetweenPages(t *testing.T) {
	f := newFixture()
	f.provider.webinarPages = []provider.Page[provider.WebinarRecord]{
		webinarPage(1, endedWebinar("w1")),
		webinarPage(2, endedWebinar("w2")),
	}
	f.jobs.cancelAfter = 1 // first page proceeds, flag visible from the second

	job := f.start(t, models.JobKindFull, models.SyncOptions{Registrants: true})
	if err := f.orch.Run(context.Background(), job.ID); err != nil {
		t.Fatalf("run: %v", err)
	}

	if len(f.webinars.upserts) != 1 {
		t.Fatalf("webinar upserts = %d, want 1 (second page not fetched)", len(f.webinars.upserts))
	}
	if f.jobs.finalize.outcome != models.JobStatusCancelled {
		t.Fatalf("outcome = %q, want cancelled", f.jobs.finalize.outcome)
	}
	if len(f.provider.registrantStreams) != 0 {
		t.Fatal("registrant streams ran after cancellation")
	}
}

func TestIncrementalShortcut(t *testing.T) {
	f := newFixture()
	done := models.Webinar{Status: models.WebinarStatusEnded, ParticipantSync: models.ParticipantSyncCompleted}
	pending := models.Webinar{Status: models.WebinarStatusEnded, ParticipantSync: models.ParticipantSyncPending}
	upcoming := models.Webinar{Status: models.WebinarStatusScheduled}

	if !f.orch.skipSynced(models.JobKindIncremental, models.SyncOptions{}, done) {
		t.Fatal("reconciled ended webinar not skipped on incremental sync")
	}
	if f.orch.skipSynced(models.JobKindIncremental, models.SyncOptions{ForceRefresh: true}, done) {
		t.Fatal("force refresh did not bypass the incremental shortcut")
	}
	if f.orch.skipSynced(models.JobKindFull, models.SyncOptions{}, done) {
		t.Fatal("full sync must not use the incremental shortcut")
	}
	if f.orch.skipSynced(models.JobKindIncremental, models.SyncOptions{}, pending) {
		t.Fatal("webinar without completed participant sync was skipped")
	}
	if f.orch.skipSynced(models.JobKindIncremental, models.SyncOptions{}, upcoming) {
		t.Fatal("scheduled webinar was skipped")
	}
}

func TestRunParticipantsOnlyUsesStoredWebinars(t *testing.T) {
	f := newFixture()
	ended := models.Webinar{ID: uuid.New(), ConnectionID: f.conn.ID, ProviderID: "w1", Status: models.WebinarStatusEnded}
	upcoming := models.Webinar{ID: uuid.New(), ConnectionID: f.conn.ID, ProviderID: "w2", Status: models.WebinarStatusScheduled}
	f.webinars.existing = []models.Webinar{ended, upcoming}
	f.provider.participantPages["w1"] = []provider.Page[provider.ParticipantRecord]{
		{Items: []provider.ParticipantRecord{{ID: "p1", Name: "A", DurationSeconds: 60}}, PageNumber: 1, TotalRecords: 1},
	}

	job := f.start(t, models.JobKindParticipantsOnly, models.SyncOptions{})
	if err := f.orch.Run(context.Background(), job.ID); err != nil {
		t.Fatalf("run: %v", err)
	}

	if len(f.webinars.upserts) != 0 {
		t.Fatal("participants-only run fetched the webinar stream")
	}
	if len(f.provider.participantStreams) != 1 || f.provider.participantStreams[0] != "w1" {
		t.Fatalf("participant streams = %v, want only the ended webinar", f.provider.participantStreams)
	}
	if f.jobs.finalize.outcome != models.JobStatusCompleted {
		t.Fatalf("outcome = %q, want completed", f.jobs.finalize.outcome)
	}
}

func TestRunTerminalJobIsNoop(t *testing.T) {
	f := newFixture()
	job := f.start(t, models.JobKindFull, models.SyncOptions{})
	f.jobs.job.Status = models.JobStatusCompleted

	if err := f.orch.Run(context.Background(), job.ID); err != nil {
		t.Fatalf("run: %v", err)
	}
	if f.jobs.started {
		t.Fatal("terminal job was restarted")
	}
	if len(f.webinars.upserts) != 0 {
		t.Fatal("terminal job performed work")
	}
}

func TestFailureMessages(t *testing.T) {
	rateLimited := &provider.FatalError{Reason: "retry budget exhausted", Err: &provider.RateLimitedError{}}
	if msg := failureMessage(rateLimited); !strings.Contains(msg, "retry budget") {
		t.Fatalf("rate-limit exhaustion message = %q", msg)
	}
	plain := &provider.FatalError{Reason: "unexpected status 400"}
	if msg := failureMessage(plain); !strings.Contains(msg, "unexpected status 400") {
		t.Fatalf("fatal message = %q", msg)
	}
	if msg := failureMessage(errors.New("db down")); !strings.Contains(msg, "db down") {
		t.Fatalf("generic message = %q", msg)
	}
}
