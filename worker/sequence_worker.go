package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"seqmail/models"
	"seqmail/store"
	"seqmail/utils"
)

// Per-enrollment outcomes of one processor run
const (
	OutcomeSent      = "sent"
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
)

// RunOutcome reports what happened to one due enrollment during a run.
// It is for logging and the trigger response only, never control flow.
type RunOutcome struct {
	EnrollmentID uint   `json:"enrollment_id"`
	Subscriber   string `json:"subscriber"`
	Sequence     string `json:"sequence"`
	Step         int    `json:"step"`
	Result       string `json:"result"`
	Error        string `json:"error,omitempty"`
}

func (o RunOutcome) String() string {
	switch o.Result {
	case OutcomeSent:
		return fmt.Sprintf("%s [%s]: sent step %d", o.Subscriber, o.Sequence, o.Step)
	case OutcomeCompleted:
		return fmt.Sprintf("%s [%s]: completed", o.Subscriber, o.Sequence)
	default:
		return fmt.Sprintf("%s [%s]: step %d failed: %s", o.Subscriber, o.Sequence, o.Step, o.Error)
	}
}

// Processor advances due enrollments: it claims them, sends the step at
// the current position and moves the position forward. It holds no
// internal timer; RunOnce is driven by the HTTP trigger or Start's
// ticker loop.
type Processor struct {
	Sequences   SequenceSource
	Enrollments EnrollmentStore
	Mailer      utils.Mailer
	Logger      *logrus.Logger

	// InstanceID identifies this processor's claims so two overlapping
	// runs never dispatch the same step twice.
	InstanceID string
	BatchSize  int
	Now        func() time.Time

	mu        sync.Mutex
	onOutcome func(RunOutcome)
}

// SetOnOutcome installs an observer for every processed outcome (the
// live operator feed). Safe to call while the processor is running.
func (p *Processor) SetOnOutcome(fn func(RunOutcome)) {
	p.mu.Lock()
	p.onOutcome = fn
	p.mu.Unlock()
}

func (p *Processor) notify(outcome RunOutcome) {
	p.mu.Lock()
	fn := p.onOutcome
	p.mu.Unlock()
	if fn != nil {
		fn(outcome)
	}
}

func NewProcessor(sequences SequenceSource, enrollments EnrollmentStore, mailer utils.Mailer, logger *logrus.Logger) *Processor {
	return &Processor{
		Sequences:   sequences,
		Enrollments: enrollments,
		Mailer:      mailer,
		Logger:      logger,
		InstanceID:  uuid.NewString(),
		BatchSize:   100,
		Now:         time.Now,
	}
}

// Start runs the processor on a fixed interval until ctx is cancelled.
func (p *Processor) Start(ctx context.Context, interval time.Duration) {
	p.Logger.WithField("interval", interval.String()).Info("Sequence processor started")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.Logger.Info("Sequence processor shutting down...")
			return
		case <-ticker.C:
			if _, err := p.RunOnce(ctx); err != nil {
				p.Logger.WithError(err).Error("Processor run failed")
				sentry.CaptureException(err)
			}
		}
	}
}

// RunOnce claims every due enrollment and processes each independently:
// one enrollment's failure never blocks the rest. Only the claim query
// itself failing aborts the run.
func (p *Processor) RunOnce(ctx context.Context) ([]RunOutcome, error) {
	now := p.Now()
	started := time.Now()

	claimed, err := p.Enrollments.ClaimDue(ctx, now, p.InstanceID, p.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("due-enrollment query failed: %w", err)
	}

	outcomes := make([]RunOutcome, 0, len(claimed))
	for i := range claimed {
		outcome := p.process(ctx, &claimed[i], now)
		outcomes = append(outcomes, outcome)
		outcomesTotal.WithLabelValues(outcome.Result).Inc()
		p.notify(outcome)

		entry := p.Logger.WithFields(logrus.Fields{
			"enrollment": outcome.EnrollmentID,
			"subscriber": outcome.Subscriber,
			"sequence":   outcome.Sequence,
			"step":       outcome.Step,
		})
		if outcome.Result == OutcomeFailed {
			entry.WithField("error", outcome.Error).Warn("Enrollment not advanced")
		} else {
			entry.Info("Enrollment " + outcome.Result)
		}
	}

	runsTotal.Inc()
	runDuration.Observe(time.Since(started).Seconds())
	return outcomes, nil
}

func (p *Processor) process(ctx context.Context, enrollment *models.SequenceEnrollment, now time.Time) RunOutcome {
	outcome := RunOutcome{
		EnrollmentID: enrollment.ID,
		Subscriber:   enrollment.Subscriber.Email,
		Step:         enrollment.CurrentEmailIndex,
	}

	sequence, err := p.Sequences.GetSequenceWithSteps(ctx, enrollment.SequenceID)
	if errors.Is(err, store.ErrSequenceNotFound) {
		// The sequence was deleted or deactivated underneath the
		// enrollment. Complete it rather than erroring forever.
		return p.complete(ctx, enrollment, now, outcome)
	}
	if err != nil {
		return p.fail(ctx, enrollment, outcome, err)
	}
	outcome.Sequence = sequence.Name

	if enrollment.CurrentEmailIndex >= len(sequence.Steps) {
		return p.complete(ctx, enrollment, now, outcome)
	}
	step := sequence.Steps[enrollment.CurrentEmailIndex]

	body, err := utils.RenderStepBody(step.HTMLBody, &enrollment.Subscriber)
	if err != nil {
		return p.fail(ctx, enrollment, outcome, err)
	}

	err = p.Mailer.Send(utils.Email{
		FromName:  step.FromName,
		FromEmail: step.FromEmail,
		To:        enrollment.Subscriber.Email,
		Subject:   step.Subject,
		HTMLBody:  body,
	})
	if err != nil {
		// Dispatch failed: leave the enrollment untouched so the next
		// run retries the same step.
		return p.fail(ctx, enrollment, outcome, err)
	}

	// Next step's due time. When no step remains the enrollment is
	// scheduled due-now with nothing to send, so the following run
	// marks it completed.
	nextEmailAt := &now
	if next := enrollment.CurrentEmailIndex + 1; next < len(sequence.Steps) {
		nextEmailAt = sequence.Steps[next].ScheduledFor(now)
	}

	if err := p.Enrollments.AdvanceEnrollment(ctx, enrollment.ID, p.InstanceID, nextEmailAt); err != nil {
		// The email went out but the advance was rejected (lease lost
		// or store error). Surface it loudly: this is the one spot a
		// duplicate send can originate from.
		p.Logger.WithError(err).WithField("enrollment", enrollment.ID).
			Error("Sent but failed to advance enrollment")
		outcome.Result = OutcomeFailed
		outcome.Error = err.Error()
		return outcome
	}

	outcome.Result = OutcomeSent
	return outcome
}

func (p *Processor) complete(ctx context.Context, enrollment *models.SequenceEnrollment, now time.Time, outcome RunOutcome) RunOutcome {
	if err := p.Enrollments.CompleteEnrollment(ctx, enrollment.ID, p.InstanceID, now); err != nil {
		return p.fail(ctx, enrollment, outcome, err)
	}
	enrollmentsCompleted.Inc()
	outcome.Result = OutcomeCompleted
	return outcome
}

func (p *Processor) fail(ctx context.Context, enrollment *models.SequenceEnrollment, outcome RunOutcome, cause error) RunOutcome {
	if err := p.Enrollments.ReleaseEnrollment(ctx, enrollment.ID, p.InstanceID); err != nil {
		p.Logger.WithError(err).WithField("enrollment", enrollment.ID).
			Error("Failed to release claim; lease will expire")
	}
	outcome.Result = OutcomeFailed
	outcome.Error = cause.Error()
	return outcome
}
