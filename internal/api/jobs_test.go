package api

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dffmpeg-io/coordinator/internal/argv"
	"github.com/dffmpeg-io/coordinator/internal/db"
	"github.com/dffmpeg-io/coordinator/internal/repositories"
	"github.com/dffmpeg-io/coordinator/internal/transport"
	"github.com/dffmpeg-io/coordinator/internal/ulid"
)

// testArgv is a typical transcode invocation requiring the MEDIA variable.
func testArgv() argv.Tokens {
	return argv.Tokens{
		argv.Literal("-i"),
		argv.Var("MEDIA", "in.mp4"),
		argv.Literal("-y"),
		argv.Var("MEDIA", "out.mp4"),
	}
}

// submitJob submits a job as clientID and returns the created snapshot.
func (s *testServer) submitJob(t *testing.T, clientID string, body map[string]any) jobResponse {
	t.Helper()

	resp := s.do(t, clientID, http.MethodPost, "/api/v1/jobs", body)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var job jobResponse
	decodeData(t, resp, &job)
	return job
}

// jobAction posts one of the job verbs and decodes the returned snapshot.
func (s *testServer) jobAction(t *testing.T, clientID, jobID, action string, body any) jobResponse {
	t.Helper()

	resp := s.do(t, clientID, http.MethodPost, "/api/v1/jobs/"+jobID+"/"+action, body)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var job jobResponse
	decodeData(t, resp, &job)
	return job
}

// drainKinds empties recipientID's downlink queue and returns the message
// kinds received.
func (s *testServer) drainKinds(t *testing.T, recipientID string) []string {
	t.Helper()

	resp := s.do(t, recipientID, http.MethodGet, "/api/v1/downlink?wait=false", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var drained drainResponse
	decodeData(t, resp, &drained)
	kinds := make([]string, len(drained.Items))
	for i, m := range drained.Items {
		kinds[i] = m.Kind
	}
	return kinds
}

// assignOne mirrors a single scheduler claim: assign the oldest viable
// pending job and deliver the resulting notifications.
func (s *testServer) assignOne(ctx context.Context) error {
	var planned []transport.Planned
	now := time.Now().UTC()

	_, _, err := s.jobs.AssignOne(ctx, repositories.AssignRequest{
		Now:          now,
		MaxPerWorker: 4,
		OnAssigned: func(job db.Job, worker db.Worker) ([]db.DownlinkMessage, error) {
			assigned, err := transport.NewJobAssigned(job, now)
			if err != nil {
				return nil, err
			}
			changed, err := transport.NewJobStateChanged(job, now)
			if err != nil {
				return nil, err
			}
			planned = append(planned,
				s.transports.Plan(worker.TransportChoice, transport.WorkerRoute(worker.WorkerID), assigned),
				s.transports.Plan(job.TransportChoice, transport.JobRoute(job), changed),
			)
			return transport.ToPersist(planned...), nil
		},
	})
	if err != nil {
		return err
	}
	s.transports.Deliver(ctx, planned...)
	return nil
}

// assignPending fails the test when no pending job could be claimed.
func (s *testServer) assignPending(t *testing.T) {
	t.Helper()
	require.NoError(t, s.assignOne(context.Background()))
}

// -----------------------------------------------------------------------------
// Submission
// -----------------------------------------------------------------------------

func TestSubmitValidation(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name string
		as   string
		body map[string]any
		want int
		code string
	}{
		{
			name: "worker role cannot submit",
			as:   testWorker,
			body: map[string]any{"binary": "ffmpeg", "argv": testArgv()},
			want: http.StatusForbidden,
			code: "forbidden",
		},
		{
			name: "missing binary",
			as:   testClient,
			body: map[string]any{"argv": testArgv()},
			want: http.StatusBadRequest,
			code: "validation_error",
		},
		{
			name: "binary outside whitelist",
			as:   testClient,
			body: map[string]any{"binary": "bash", "argv": testArgv()},
			want: http.StatusBadRequest,
			code: "validation_error",
		},
		{
			name: "empty argv",
			as:   testClient,
			body: map[string]any{"binary": "ffmpeg", "argv": argv.Tokens{}},
			want: http.StatusBadRequest,
			code: "validation_error",
		},
		{
			name: "malformed variable name",
			as:   testClient,
			body: map[string]any{"binary": "ffmpeg", "argv": argv.Tokens{argv.Var("9BAD", "x")}},
			want: http.StatusBadRequest,
			code: "validation_error",
		},
		{
			name: "unknown token kind",
			as:   testClient,
			body: map[string]any{"binary": "ffmpeg", "argv": []map[string]any{{"kind": "glob", "value": "*"}}},
			want: http.StatusBadRequest,
			code: "validation_error",
		},
		{
			name: "unknown mode",
			as:   testClient,
			body: map[string]any{"binary": "ffmpeg", "argv": testArgv(), "mode": "turbo"},
			want: http.StatusBadRequest,
			code: "validation_error",
		},
		{
			name: "heartbeat interval out of range",
			as:   testClient,
			body: map[string]any{"binary": "ffmpeg", "argv": testArgv(), "heartbeat_interval_s": 4000},
			want: http.StatusBadRequest,
			code: "validation_error",
		},
		{
			name: "no common transport",
			as:   testClient,
			body: map[string]any{"binary": "ffmpeg", "argv": testArgv(), "transports": map[string]any{"enabled": []string{"amqp"}}},
			want: http.StatusBadRequest,
			code: "validation_error",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp := s.do(t, tc.as, http.MethodPost, "/api/v1/jobs", tc.body)
			assert.Equal(t, tc.want, resp.StatusCode)
			assert.Equal(t, tc.code, errCode(t, resp))
		})
	}
}

func TestSubmitDefaults(t *testing.T) {
	s := newTestServer(t)

	job := s.submitJob(t, testClient, map[string]any{"binary": "ffmpeg", "argv": testArgv()})
	assert.Equal(t, db.JobPending, job.State)
	assert.Equal(t, testClient, job.SubmitterID)
	assert.Empty(t, job.AssigneeID)
	assert.Equal(t, db.ModeActive, job.Mode)
	assert.Equal(t, transport.NameHTTPPolling, job.Transport)
	assert.Equal(t, 15, job.HeartbeatIntervalS)
	assert.Equal(t, []string{"MEDIA"}, job.RequiredVariables)
	assert.True(t, ulid.IsValid(job.JobID))
	assert.Nil(t, job.ExitCode)
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

func TestJobLifecycle(t *testing.T) {
	s := newTestServer(t)
	s.registerWorker(t, testWorker, []string{"ffmpeg"}, []string{"MEDIA"})

	submitted := s.submitJob(t, testClient, map[string]any{"binary": "ffmpeg", "argv": testArgv()})
	s.assignPending(t)

	// The worker's poll returns the assignment.
	resp := s.do(t, testWorker, http.MethodGet, "/api/v1/workers/"+testWorker+"/work?wait=false", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var work workResponse
	decodeData(t, resp, &work)
	require.Len(t, work.Items, 1)
	assert.Equal(t, submitted.JobID, work.Items[0].JobID)
	assert.Equal(t, db.JobAssigned, work.Items[0].State)
	assert.Equal(t, testWorker, work.Items[0].AssigneeID)

	// Both sides were notified of the assignment.
	assert.Equal(t, []string{db.DownlinkJobAssigned}, s.drainKinds(t, testWorker))
	assert.Equal(t, []string{db.DownlinkJobStateChanged}, s.drainKinds(t, testClient))

	// Accept moves the job to running.
	job := s.jobAction(t, testWorker, submitted.JobID, "accept", nil)
	assert.Equal(t, db.JobRunning, job.State)
	require.NotNil(t, job.StartedAt)

	// Two log batches get dense, consecutive sequence ranges.
	resp = s.do(t, testWorker, http.MethodPost, "/api/v1/jobs/"+submitted.JobID+"/logs", map[string]any{
		"entries": []map[string]any{
			{"text": "frame=1 fps=30"},
			{"stream": "stderr", "text": "deprecated option"},
		},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var appended appendLogsResponse
	decodeData(t, resp, &appended)
	assert.Equal(t, int64(0), appended.FirstSeq)
	assert.Equal(t, int64(1), appended.LastSeq)

	resp = s.do(t, testWorker, http.MethodPost, "/api/v1/jobs/"+submitted.JobID+"/logs", map[string]any{
		"entries": []map[string]any{{"text": "frame=2 fps=30"}},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeData(t, resp, &appended)
	assert.Equal(t, int64(2), appended.FirstSeq)
	assert.Equal(t, int64(2), appended.LastSeq)

	// The submitter pages the logs back.
	resp = s.do(t, testClient, http.MethodGet, "/api/v1/jobs/"+submitted.JobID+"/logs", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var logs listLogsResponse
	decodeData(t, resp, &logs)
	require.Len(t, logs.Items, 3)
	assert.Equal(t, int64(3), logs.NextSeq)
	assert.Equal(t, "frame=1 fps=30", logs.Items[0].Text)
	assert.Equal(t, db.StreamStdout, logs.Items[0].Stream)
	assert.Equal(t, db.StreamStderr, logs.Items[1].Stream)

	resp = s.do(t, testClient, http.MethodGet, "/api/v1/jobs/"+submitted.JobID+"/logs?since_seq=2", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeData(t, resp, &logs)
	require.Len(t, logs.Items, 1)
	assert.Equal(t, int64(2), logs.Items[0].Seq)
	assert.Equal(t, int64(3), logs.NextSeq)

	// Progress doubles as the worker heartbeat and returns the snapshot.
	job = s.jobAction(t, testWorker, submitted.JobID, "progress", map[string]any{
		"progress": map[string]any{"frame": 2, "fps": 30},
	})
	assert.Equal(t, db.JobRunning, job.State)
	require.NotNil(t, job.LastHeartbeatAt)

	// Completion with exit 0.
	job = s.jobAction(t, testWorker, submitted.JobID, "complete", map[string]any{"exit_code": 0})
	assert.Equal(t, db.JobCompleted, job.State)
	require.NotNil(t, job.ExitCode)
	assert.Equal(t, 0, *job.ExitCode)
	require.NotNil(t, job.EndedAt)

	// The submitter sees the terminal state and was notified along the way:
	// running, two log batches, completed.
	resp = s.do(t, testClient, http.MethodGet, "/api/v1/jobs/"+submitted.JobID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeData(t, resp, &job)
	assert.Equal(t, db.JobCompleted, job.State)

	assert.ElementsMatch(t,
		[]string{db.DownlinkJobStateChanged, db.DownlinkLogAppend, db.DownlinkLogAppend, db.DownlinkJobStateChanged},
		s.drainKinds(t, testClient),
	)
}

func TestCompleteNonZeroExitFails(t *testing.T) {
	s := newTestServer(t)
	s.registerWorker(t, testWorker, []string{"ffmpeg"}, []string{"MEDIA"})

	submitted := s.submitJob(t, testClient, map[string]any{"binary": "ffmpeg", "argv": testArgv()})
	s.assignPending(t)
	s.jobAction(t, testWorker, submitted.JobID, "accept", nil)

	job := s.jobAction(t, testWorker, submitted.JobID, "complete", map[string]any{"exit_code": 1})
	assert.Equal(t, db.JobFailed, job.State)
	require.NotNil(t, job.ExitCode)
	assert.Equal(t, 1, *job.ExitCode)
}

func TestCompleteIsIdempotent(t *testing.T) {
	s := newTestServer(t)
	s.registerWorker(t, testWorker, []string{"ffmpeg"}, []string{"MEDIA"})

	submitted := s.submitJob(t, testClient, map[string]any{"binary": "ffmpeg", "argv": testArgv()})
	s.assignPending(t)
	s.jobAction(t, testWorker, submitted.JobID, "accept", nil)
	s.jobAction(t, testWorker, submitted.JobID, "complete", map[string]any{"exit_code": 0})

	// A retried complete after a lost response reports the settled outcome,
	// even with a different exit code.
	job := s.jobAction(t, testWorker, submitted.JobID, "complete", map[string]any{"exit_code": 1})
	assert.Equal(t, db.JobCompleted, job.State)
	require.NotNil(t, job.ExitCode)
	assert.Equal(t, 0, *job.ExitCode)
}

// -----------------------------------------------------------------------------
// Cancellation
// -----------------------------------------------------------------------------

func TestCancelPendingJob(t *testing.T) {
	s := newTestServer(t)

	submitted := s.submitJob(t, testClient, map[string]any{"binary": "ffmpeg", "argv": testArgv()})

	job := s.jobAction(t, testClient, submitted.JobID, "cancel", nil)
	assert.Equal(t, db.JobCanceled, job.State)
	require.NotNil(t, job.EndedAt)

	// Cancel is idempotent.
	job = s.jobAction(t, testClient, submitted.JobID, "cancel", nil)
	assert.Equal(t, db.JobCanceled, job.State)

	assert.Equal(t, []string{db.DownlinkJobStateChanged}, s.drainKinds(t, testClient))
}

func TestCancelRunningJob(t *testing.T) {
	s := newTestServer(t)
	s.registerWorker(t, testWorker, []string{"ffmpeg"}, []string{"MEDIA"})

	submitted := s.submitJob(t, testClient, map[string]any{"binary": "ffmpeg", "argv": testArgv()})
	s.assignPending(t)
	s.jobAction(t, testWorker, submitted.JobID, "accept", nil)
	s.drainKinds(t, testWorker)

	// The job enters canceling and waits for the worker to wind down.
	job := s.jobAction(t, testClient, submitted.JobID, "cancel", nil)
	assert.Equal(t, db.JobCanceling, job.State)
	assert.Nil(t, job.EndedAt)

	// The worker is told to stop over its downlink.
	assert.Equal(t, []string{db.DownlinkJobCanceled}, s.drainKinds(t, testWorker))

	// Its completion report lands the job in canceled, keeping the exit code.
	job = s.jobAction(t, testWorker, submitted.JobID, "complete", map[string]any{"exit_code": 130})
	assert.Equal(t, db.JobCanceled, job.State)
	require.NotNil(t, job.ExitCode)
	assert.Equal(t, 130, *job.ExitCode)
	require.NotNil(t, job.EndedAt)
}

// -----------------------------------------------------------------------------
// Ownership
// -----------------------------------------------------------------------------

func TestJobOwnership(t *testing.T) {
	s := newTestServer(t)
	s.registerWorker(t, testWorker, []string{"ffmpeg"}, []string{"MEDIA"})
	s.registerWorker(t, testWorker2, []string{"ffmpeg"}, []string{"MEDIA"})

	submitted := s.submitJob(t, testClient, map[string]any{"binary": "ffmpeg", "argv": testArgv()})

	// Another client cannot read or cancel the job.
	resp := s.do(t, testClient2, http.MethodGet, "/api/v1/jobs/"+submitted.JobID, nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = s.do(t, testClient2, http.MethodPost, "/api/v1/jobs/"+submitted.JobID+"/cancel", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	s.assignPending(t)

	// Only the assigned worker may drive the lifecycle. The claim went to
	// whichever worker registered first; impersonate the other one.
	resp = s.do(t, testClient, http.MethodGet, "/api/v1/jobs/"+submitted.JobID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var job jobResponse
	decodeData(t, resp, &job)
	require.NotEmpty(t, job.AssigneeID)
	other := testWorker2
	if job.AssigneeID == testWorker2 {
		other = testWorker
	}

	resp = s.do(t, other, http.MethodPost, "/api/v1/jobs/"+submitted.JobID+"/accept", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = s.do(t, other, http.MethodPost, "/api/v1/jobs/"+submitted.JobID+"/complete", map[string]any{"exit_code": 0})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	// Admins read everything.
	resp = s.do(t, testAdmin, http.MethodGet, "/api/v1/jobs/"+submitted.JobID, nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

// -----------------------------------------------------------------------------
// Logs and heartbeats outside the happy path
// -----------------------------------------------------------------------------

func TestAppendLogsRequiresRunningJob(t *testing.T) {
	s := newTestServer(t)
	s.registerWorker(t, testWorker, []string{"ffmpeg"}, []string{"MEDIA"})

	submitted := s.submitJob(t, testClient, map[string]any{"binary": "ffmpeg", "argv": testArgv()})
	s.assignPending(t)

	// Assigned but not yet accepted: the job is not collecting output.
	resp := s.do(t, testWorker, http.MethodPost, "/api/v1/jobs/"+submitted.JobID+"/logs", map[string]any{
		"entries": []map[string]any{{"text": "too early"}},
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "conflict", errCode(t, resp))
}

func TestClientHeartbeat(t *testing.T) {
	s := newTestServer(t)

	submitted := s.submitJob(t, testClient, map[string]any{"binary": "ffmpeg", "argv": testArgv()})

	job := s.jobAction(t, testClient, submitted.JobID, "heartbeat", nil)
	assert.Equal(t, db.JobPending, job.State)

	// Heartbeats against a terminal job are accepted and ignored.
	s.jobAction(t, testClient, submitted.JobID, "cancel", nil)
	job = s.jobAction(t, testClient, submitted.JobID, "heartbeat", nil)
	assert.Equal(t, db.JobCanceled, job.State)
}

// -----------------------------------------------------------------------------
// Listing
// -----------------------------------------------------------------------------

func TestListJobsScoping(t *testing.T) {
	s := newTestServer(t)

	first := s.submitJob(t, testClient, map[string]any{"binary": "ffmpeg", "argv": testArgv()})
	s.submitJob(t, testClient, map[string]any{"binary": "ffprobe", "argv": testArgv()})
	s.submitJob(t, testClient2, map[string]any{"binary": "ffmpeg", "argv": testArgv()})

	s.jobAction(t, testClient, first.JobID, "cancel", nil)

	// Clients see only their own submissions.
	resp := s.do(t, testClient, http.MethodGet, "/api/v1/jobs", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var listed listJobsResponse
	decodeData(t, resp, &listed)
	assert.Equal(t, int64(2), listed.Total)
	for _, item := range listed.Items {
		assert.Equal(t, testClient, item.SubmitterID)
	}

	resp = s.do(t, testClient2, http.MethodGet, "/api/v1/jobs", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeData(t, resp, &listed)
	assert.Equal(t, int64(1), listed.Total)

	// Admins see the whole queue and may filter by state.
	resp = s.do(t, testAdmin, http.MethodGet, "/api/v1/jobs", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeData(t, resp, &listed)
	assert.Equal(t, int64(3), listed.Total)

	resp = s.do(t, testAdmin, http.MethodGet, "/api/v1/jobs?state=canceled", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeData(t, resp, &listed)
	require.Equal(t, int64(1), listed.Total)
	assert.Equal(t, first.JobID, listed.Items[0].JobID)

	resp = s.do(t, testAdmin, http.MethodGet, "/api/v1/jobs?state=pending&state=assigned", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeData(t, resp, &listed)
	assert.Equal(t, int64(2), listed.Total)

	// Unknown states and malformed cursors are rejected.
	resp = s.do(t, testAdmin, http.MethodGet, "/api/v1/jobs?state=paused", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "validation_error", errCode(t, resp))

	resp = s.do(t, testAdmin, http.MethodGet, "/api/v1/jobs?since_id=not-a-ulid", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "validation_error", errCode(t, resp))
}

func TestGetJobErrors(t *testing.T) {
	s := newTestServer(t)

	resp := s.do(t, testClient, http.MethodGet, "/api/v1/jobs/"+ulid.New(), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not_found", errCode(t, resp))

	resp = s.do(t, testClient, http.MethodGet, "/api/v1/jobs/not-a-ulid", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "validation_error", errCode(t, resp))
}

// -----------------------------------------------------------------------------
// Long polling
// -----------------------------------------------------------------------------

func TestWorkPollWakesOnAssignment(t *testing.T) {
	s := newTestServer(t)
	s.registerWorker(t, testWorker, []string{"ffmpeg"}, []string{"MEDIA"})

	errc := make(chan error, 1)
	go func() {
		time.Sleep(50 * time.Millisecond)
		now := time.Now().UTC()
		job := &db.Job{
			JobID:              ulid.New(),
			SubmitterID:        testClient,
			State:              db.JobPending,
			Binary:             "ffmpeg",
			Argv:               testArgv(),
			RequiredVariables:  db.NewStringSet("MEDIA"),
			Mode:               db.ModeActive,
			TransportChoice:    transport.NameHTTPPolling,
			CreatedAt:          now,
			UpdatedAt:          now,
			StateEnteredAt:     now,
			HeartbeatIntervalS: 15,
			ClientLastSeenAt:   &now,
		}
		if err := s.jobs.Create(context.Background(), job); err != nil {
			errc <- err
			return
		}
		errc <- s.assignOne(context.Background())
	}()

	// The poll parks first, then the delivery after assignment wakes it.
	resp := s.do(t, testWorker, http.MethodGet, "/api/v1/workers/"+testWorker+"/work", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, <-errc)

	var work workResponse
	decodeData(t, resp, &work)
	require.Len(t, work.Items, 1)
	assert.Equal(t, db.JobAssigned, work.Items[0].State)
	assert.Equal(t, testWorker, work.Items[0].AssigneeID)
}
