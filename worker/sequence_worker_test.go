package worker

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"seqmail/models"
)

func newTestProcessor(fs *fakeStore, mailer *fakeMailer) *Processor {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	p := NewProcessor(fs, fs, mailer, logger)
	p.Now = func() time.Time { return t0 }
	return p
}

func enrollNow(t *testing.T, fs *fakeStore, subscriberID, sequenceID uint) *models.SequenceEnrollment {
	t.Helper()
	enroller := newTestEnroller(fs)
	sub := fs.subscribers[subscriberID]
	enrollment, created, err := enroller.Enroll(context.Background(), &sub, sequenceID)
	require.NoError(t, err)
	require.True(t, created)
	return enrollment
}

func runAt(t *testing.T, p *Processor, at time.Time) []RunOutcome {
	t.Helper()
	p.Now = func() time.Time { return at }
	outcomes, err := p.RunOnce(context.Background())
	require.NoError(t, err)
	return outcomes
}

// The welcome scenario: step 0 immediately, step 1 three days later,
// completion on the run after the last send.
func TestRunOnceWelcomeScenario(t *testing.T) {
	fs := newFakeStore()
	fs.addSequence(welcomeSequence(1))
	fs.addSubscriber(testSubscriber(7, "a@x.com"))
	enrollment := enrollNow(t, fs, 7, 1)

	mailer := newFakeMailer()
	p := newTestProcessor(fs, mailer)

	outcomes := runAt(t, p, t0)
	require.Len(t, outcomes, 1)
	assert.Equal(t, OutcomeSent, outcomes[0].Result)

	sent := mailer.sentEmails()
	require.Len(t, sent, 1)
	assert.Equal(t, "Hi", sent[0].Subject)
	assert.Equal(t, "a@x.com", sent[0].To)

	got := fs.getEnrollment(enrollment.ID)
	assert.Equal(t, 1, got.CurrentEmailIndex)
	assert.Equal(t, 1, got.EmailsSent)
	require.NotNil(t, got.NextEmailAt)
	assert.Equal(t, t0.Add(day(3)), *got.NextEmailAt)

	// Before the delay elapses nothing is due.
	outcomes = runAt(t, p, t0.Add(day(1)))
	assert.Empty(t, outcomes)
	assert.Len(t, mailer.sentEmails(), 1)

	// After the delay the reminder goes out.
	outcomes = runAt(t, p, t0.Add(day(3)).Add(time.Hour))
	require.Len(t, outcomes, 1)
	assert.Equal(t, OutcomeSent, outcomes[0].Result)
	require.Len(t, mailer.sentEmails(), 2)
	assert.Equal(t, "Reminder", mailer.sentEmails()[1].Subject)

	got = fs.getEnrollment(enrollment.ID)
	assert.Equal(t, 2, got.CurrentEmailIndex)
	require.NotNil(t, got.NextEmailAt, "exhausted enrollment is due again for completion")

	// The following run finds no step left and completes the enrollment.
	outcomes = runAt(t, p, t0.Add(day(3)).Add(2*time.Hour))
	require.Len(t, outcomes, 1)
	assert.Equal(t, OutcomeCompleted, outcomes[0].Result)

	got = fs.getEnrollment(enrollment.ID)
	assert.Equal(t, models.EnrollmentCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)
	assert.Nil(t, got.NextEmailAt)
	assert.Len(t, mailer.sentEmails(), 2, "completion sends nothing")
}

// Once completed, no later run touches the enrollment again.
func TestCompletionIsTerminal(t *testing.T) {
	fs := newFakeStore()
	fs.addSequence(welcomeSequence(1))
	fs.addSubscriber(testSubscriber(7, "a@x.com"))
	enrollment := enrollNow(t, fs, 7, 1)

	mailer := newFakeMailer()
	p := newTestProcessor(fs, mailer)

	runAt(t, p, t0)
	runAt(t, p, t0.Add(day(4)))
	runAt(t, p, t0.Add(day(4)).Add(time.Hour))
	completed := fs.getEnrollment(enrollment.ID)
	require.Equal(t, models.EnrollmentCompleted, completed.Status)

	for i := 0; i < 5; i++ {
		outcomes := runAt(t, p, t0.Add(day(10+i)))
		assert.Empty(t, outcomes)
	}
	assert.Equal(t, completed, fs.getEnrollment(enrollment.ID))
}

// An index past the end of the sequence completes without sending.
func TestOutOfRangeIndexCompletes(t *testing.T) {
	fs := newFakeStore()
	fs.addSequence(welcomeSequence(1))
	fs.addSubscriber(testSubscriber(7, "a@x.com"))
	enrollment := enrollNow(t, fs, 7, 1)

	fs.enrollments[enrollment.ID].CurrentEmailIndex = 5
	mailer := newFakeMailer()
	p := newTestProcessor(fs, mailer)

	outcomes := runAt(t, p, t0)
	require.Len(t, outcomes, 1)
	assert.Equal(t, OutcomeCompleted, outcomes[0].Result)
	assert.Empty(t, mailer.sentEmails())
	assert.Equal(t, models.EnrollmentCompleted, fs.getEnrollment(enrollment.ID).Status)
}

// A deleted or deactivated sequence completes its enrollments instead
// of erroring on every run.
func TestMissingSequenceCompletesDefensively(t *testing.T) {
	fs := newFakeStore()
	fs.addSequence(welcomeSequence(1))
	fs.addSubscriber(testSubscriber(7, "a@x.com"))
	enrollment := enrollNow(t, fs, 7, 1)

	delete(fs.sequences, 1)
	p := newTestProcessor(fs, newFakeMailer())

	outcomes := runAt(t, p, t0)
	require.Len(t, outcomes, 1)
	assert.Equal(t, OutcomeCompleted, outcomes[0].Result)
	assert.Equal(t, models.EnrollmentCompleted, fs.getEnrollment(enrollment.ID).Status)
}

// A failed dispatch leaves the enrollment exactly as it was, and the
// next run retries the same step.
func TestDispatchFailureRetriedNextRun(t *testing.T) {
	fs := newFakeStore()
	fs.addSequence(welcomeSequence(1))
	fs.addSubscriber(testSubscriber(7, "a@x.com"))
	enrollment := enrollNow(t, fs, 7, 1)

	mailer := newFakeMailer()
	mailer.failAll = errors.New("smtp timeout")
	p := newTestProcessor(fs, mailer)

	outcomes := runAt(t, p, t0)
	require.Len(t, outcomes, 1)
	assert.Equal(t, OutcomeFailed, outcomes[0].Result)

	got := fs.getEnrollment(enrollment.ID)
	assert.Equal(t, 0, got.CurrentEmailIndex)
	assert.Equal(t, 0, got.EmailsSent)
	require.NotNil(t, got.NextEmailAt)
	assert.Equal(t, t0, *got.NextEmailAt, "due time unchanged on failure")
	assert.Nil(t, got.ClaimedBy, "claim released for the retry")

	// Provider recovers; the same step goes out on the next run.
	mailer.failAll = nil
	outcomes = runAt(t, p, t0.Add(time.Minute))
	require.Len(t, outcomes, 1)
	assert.Equal(t, OutcomeSent, outcomes[0].Result)
	assert.Equal(t, "Hi", mailer.sentEmails()[0].Subject)
	assert.Equal(t, 1, fs.getEnrollment(enrollment.ID).CurrentEmailIndex)
}

// One enrollment's failure never blocks the rest of the batch.
func TestPartialFailureIsolation(t *testing.T) {
	fs := newFakeStore()
	fs.addSequence(welcomeSequence(1))
	fs.addSubscriber(testSubscriber(7, "a@x.com"))
	fs.addSubscriber(testSubscriber(8, "b@x.com"))
	enrollNow(t, fs, 7, 1)
	enrollNow(t, fs, 8, 1)

	mailer := newFakeMailer()
	mailer.failAddrs["a@x.com"] = errors.New("mailbox full")
	p := newTestProcessor(fs, mailer)

	outcomes := runAt(t, p, t0)
	require.Len(t, outcomes, 2)

	results := map[string]string{}
	for _, o := range outcomes {
		results[o.Subscriber] = o.Result
	}
	assert.Equal(t, OutcomeFailed, results["a@x.com"])
	assert.Equal(t, OutcomeSent, results["b@x.com"])
}

// Steps go out strictly in order regardless of how many runs happen,
// and each step respects the accumulated delays.
func TestOrderRespectedAcrossRedundantRuns(t *testing.T) {
	fs := newFakeStore()
	seq := &models.Sequence{
		Name:     "Drip",
		IsActive: true,
		Steps: []models.SequenceEmail{
			{StepOrder: 0, Subject: "step0", HTMLBody: "0", SendMode: models.SendModeDelay, DelayDays: 0},
			{StepOrder: 1, Subject: "step1", HTMLBody: "1", SendMode: models.SendModeDelay, DelayDays: 2},
			{StepOrder: 2, Subject: "step2", HTMLBody: "2", SendMode: models.SendModeDelay, DelayDays: 4},
		},
	}
	seq.ID = 1
	fs.addSequence(seq)
	fs.addSubscriber(testSubscriber(7, "a@x.com"))
	enrollment := enrollNow(t, fs, 7, 1)

	mailer := newFakeMailer()
	p := newTestProcessor(fs, mailer)

	// Many runs at scattered times, several redundant.
	for _, at := range []time.Duration{
		0, time.Hour, day(1), day(2), day(2) + time.Hour, day(3),
		day(5), day(6), day(6) + time.Hour, day(7), day(30),
	} {
		runAt(t, p, t0.Add(at))
	}

	sent := mailer.sentEmails()
	require.Len(t, sent, 3)
	assert.Equal(t, "step0", sent[0].Subject)
	assert.Equal(t, "step1", sent[1].Subject)
	assert.Equal(t, "step2", sent[2].Subject)

	got := fs.getEnrollment(enrollment.ID)
	assert.Equal(t, models.EnrollmentCompleted, got.Status)
	assert.Equal(t, 3, got.EmailsSent)
}

// currentEmailIndex never decreases and matches emailsSent after
// all-successful runs.
func TestMonotonicAdvancement(t *testing.T) {
	fs := newFakeStore()
	fs.addSequence(welcomeSequence(1))
	fs.addSubscriber(testSubscriber(7, "a@x.com"))
	enrollment := enrollNow(t, fs, 7, 1)

	p := newTestProcessor(fs, newFakeMailer())

	lastIndex := 0
	for i := 0; i < 20; i++ {
		runAt(t, p, t0.Add(time.Duration(i)*6*time.Hour))
		got := fs.getEnrollment(enrollment.ID)
		assert.GreaterOrEqual(t, got.CurrentEmailIndex, lastIndex)
		assert.Equal(t, got.CurrentEmailIndex, got.EmailsSent)
		lastIndex = got.CurrentEmailIndex
	}
}

// Paused and parked enrollments are never picked up.
func TestPausedAndParkedNotProcessed(t *testing.T) {
	fs := newFakeStore()
	fs.addSequence(welcomeSequence(1))
	fs.addSubscriber(testSubscriber(7, "a@x.com"))
	paused := enrollNow(t, fs, 7, 1)
	fs.enrollments[paused.ID].Status = models.EnrollmentPaused

	// Fixed-date step with no date: enrollment parks with a nil due time.
	parkedSeq := &models.Sequence{
		Name:     "Launch",
		IsActive: true,
		Steps:    []models.SequenceEmail{{StepOrder: 0, Subject: "launch", SendMode: models.SendModeFixed}},
	}
	parkedSeq.ID = 2
	fs.addSequence(parkedSeq)
	fs.addSubscriber(testSubscriber(8, "b@x.com"))
	parked := enrollNow(t, fs, 8, 2)
	require.Nil(t, fs.getEnrollment(parked.ID).NextEmailAt)

	mailer := newFakeMailer()
	p := newTestProcessor(fs, mailer)

	outcomes := runAt(t, p, t0.Add(day(30)))
	assert.Empty(t, outcomes)
	assert.Empty(t, mailer.sentEmails())
}

// Personalization reaches the dispatched body.
func TestStepBodyPersonalized(t *testing.T) {
	fs := newFakeStore()
	fs.addSequence(welcomeSequence(1))
	fs.addSubscriber(testSubscriber(7, "a@x.com"))
	enrollNow(t, fs, 7, 1)

	mailer := newFakeMailer()
	p := newTestProcessor(fs, mailer)

	runAt(t, p, t0)
	require.Len(t, mailer.sentEmails(), 1)
	assert.Equal(t, "<p>Hi Ada</p>", mailer.sentEmails()[0].HTMLBody)
}

// Two processors racing over the same due enrollment must produce
// exactly one send for the step.
func TestConcurrentRunsDoNotDoubleSend(t *testing.T) {
	for i := 0; i < 50; i++ {
		fs := newFakeStore()
		fs.addSequence(welcomeSequence(1))
		fs.addSubscriber(testSubscriber(7, "a@x.com"))
		enrollment := enrollNow(t, fs, 7, 1)

		mailer := newFakeMailer()
		p1 := newTestProcessor(fs, mailer)
		p2 := newTestProcessor(fs, mailer)
		require.NotEqual(t, p1.InstanceID, p2.InstanceID)

		var wg sync.WaitGroup
		for _, p := range []*Processor{p1, p2} {
			wg.Add(1)
			go func(p *Processor) {
				defer wg.Done()
				_, err := p.RunOnce(context.Background())
				assert.NoError(t, err)
			}(p)
		}
		wg.Wait()

		assert.Len(t, mailer.sentEmails(), 1, "step 0 must go out exactly once")
		assert.Equal(t, 1, fs.getEnrollment(enrollment.ID).CurrentEmailIndex)
	}
}

// The outcome observer may be (re)installed while runs are in flight,
// as happens when route wiring races the ticker goroutine at startup.
func TestSetOnOutcomeConcurrentWithRuns(t *testing.T) {
	fs := newFakeStore()
	seq := &models.Sequence{Name: "Drip", IsActive: true}
	seq.ID = 1
	for i := 0; i < 50; i++ {
		seq.Steps = append(seq.Steps, models.SequenceEmail{
			StepOrder: i, Subject: "step", HTMLBody: "x",
			SendMode: models.SendModeDelay, DelayDays: 0,
		})
	}
	fs.addSequence(seq)
	fs.addSubscriber(testSubscriber(7, "a@x.com"))
	enrollment := enrollNow(t, fs, 7, 1)

	mailer := newFakeMailer()
	p := newTestProcessor(fs, mailer)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			p.SetOnOutcome(func(RunOutcome) {})
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			_, err := p.RunOnce(context.Background())
			assert.NoError(t, err)
		}
	}()
	wg.Wait()

	assert.Len(t, mailer.sentEmails(), 50, "every run sent exactly one step")
	assert.Equal(t, 50, fs.getEnrollment(enrollment.ID).CurrentEmailIndex)
}

// The outcome list is reporting only: it mirrors what happened.
func TestRunOutcomeLines(t *testing.T) {
	sent := RunOutcome{Subscriber: "a@x.com", Sequence: "Welcome", Step: 1, Result: OutcomeSent}
	assert.Equal(t, "a@x.com [Welcome]: sent step 1", sent.String())

	completed := RunOutcome{Subscriber: "a@x.com", Sequence: "Welcome", Result: OutcomeCompleted}
	assert.Equal(t, "a@x.com [Welcome]: completed", completed.String())

	failed := RunOutcome{Subscriber: "a@x.com", Sequence: "Welcome", Step: 2, Result: OutcomeFailed, Error: "smtp timeout"}
	assert.Equal(t, "a@x.com [Welcome]: step 2 failed: smtp timeout", failed.String())
}
