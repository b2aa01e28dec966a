package completion

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	uuid "github.com/kthomas/go.uuid"
	"github.com/provideplatform/taskledger/fingerprint"
	"github.com/provideplatform/taskledger/ledger"
	"github.com/provideplatform/taskledger/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAccount = "0xabc0000000000000000000000000000000000001"

type publication struct {
	subject string
	payload []byte
}

type recordingPublisher struct {
	mutex        sync.Mutex
	publications []publication
}

func (p *recordingPublisher) Publish(subject string, payload []byte) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.publications = append(p.publications, publication{subject: subject, payload: payload})
	return nil
}

func (p *recordingPublisher) subjects() []string {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	subjects := make([]string, 0, len(p.publications))
	for _, pub := range p.publications {
		subjects = append(subjects, pub.subject)
	}
	return subjects
}

type recordingJournal struct {
	mutex   sync.Mutex
	entries []fingerprint.Fingerprint
}

func (j *recordingJournal) Append(account string, fp fingerprint.Fingerprint, receipt *string) error {
	j.mutex.Lock()
	defer j.mutex.Unlock()
	j.entries = append(j.entries, fp)
	return nil
}

type fixture struct {
	store     *task.MemoryStore
	ledger    *ledger.MemoryLedger
	publisher *recordingPublisher
	journal   *recordingJournal
	coord     *Coordinator
}

func newFixture(t *testing.T) *fixture {
	f := &fixture{
		store:     task.NewMemoryStore(),
		ledger:    ledger.NewMemoryLedger(),
		publisher: &recordingPublisher{},
		journal:   &recordingJournal{},
	}

	coord, err := NewCoordinator(Config{
		Store:     f.store,
		Ledger:    f.ledger,
		Publisher: f.publisher,
		Journal:   f.journal,
		Timeout:   5 * time.Second,
	})
	require.NoError(t, err)
	f.coord = coord
	return f
}

func (f *fixture) createTask(t *testing.T, title, deadline string) *task.Task {
	d, err := task.ParseDeadline(deadline)
	require.NoError(t, err)

	tsk := &task.Task{WalletAddress: testAccount, Title: title, Deadline: d}
	require.True(t, tsk.Validate())
	require.NoError(t, f.store.Create(tsk))
	return tsk
}

func (f *fixture) reload(t *testing.T, id uuid.UUID) *task.Task {
	tsk, err := f.store.FindByID(id)
	require.NoError(t, err)
	return tsk
}

func timeoutFault(txHash string, landed bool) ledger.SubmitFault {
	return ledger.SubmitFault{
		Err:    &ledger.TimeoutError{Op: "submitCompletion", TransactionHash: txHash, Err: context.DeadlineExceeded},
		Landed: landed,
	}
}

func TestNewCoordinatorRequiresStoreAndLedger(t *testing.T) {
	_, err := NewCoordinator(Config{Ledger: ledger.NewMemoryLedger()})
	assert.Error(t, err)

	_, err = NewCoordinator(Config{Store: task.NewMemoryStore()})
	assert.Error(t, err)
}

func TestCompleteTaskConfirmsAndSubmitsOnce(t *testing.T) {
	f := newFixture(t)
	tsk := f.createTask(t, "Pay rent", "2025-01-01")

	result, err := f.coord.CompleteTask(context.Background(), tsk.ID, testAccount)
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, result.Status)
	assert.True(t, result.Submitted)
	require.NotNil(t, result.Receipt)
	assert.NotEmpty(t, result.Receipt.TransactionHash)

	stored := f.reload(t, tsk.ID)
	assert.True(t, stored.Completed)
	assert.True(t, stored.VerifiedOnLedger)
	assert.True(t, stored.HasStatus(task.CompletionStatusConfirmed))
	assert.Equal(t, result.Receipt.TransactionHash, *stored.LedgerReceipt)
	assert.Equal(t, fingerprint.MustDerive("Pay rent", "", tsk.Deadline).String(), *stored.Fingerprint)
	assert.Equal(t, testAccount, *stored.CompletedBy)
	assert.NotNil(t, stored.CompletedAt)

	again, err := f.coord.CompleteTask(context.Background(), tsk.ID, testAccount)
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, again.Status)
	assert.False(t, again.Submitted)
	assert.Equal(t, reasonAlreadyOnLedger, again.Reason)

	assert.Equal(t, 1, f.ledger.Submits())
	assert.Len(t, f.journal.entries, 1)
	assert.Contains(t, f.publisher.subjects(), notificationSubject(StatusConfirmed))
}

func TestCompleteTaskAlreadyOnLedgerSkipsSubmission(t *testing.T) {
	f := newFixture(t)
	tsk := f.createTask(t, "Pay rent", "2025-01-01")
	f.ledger.Record(testAccount, fingerprint.MustDerive("Pay rent", "", tsk.Deadline))

	result, err := f.coord.CompleteTask(context.Background(), tsk.ID, testAccount)
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, result.Status)
	assert.False(t, result.Submitted)
	assert.Equal(t, 0, f.ledger.Submits())
	assert.True(t, f.reload(t, tsk.ID).Completed)
}

func TestConcurrentCompletionsShareOneSubmission(t *testing.T) {
	f := newFixture(t)
	tsk := f.createTask(t, "Pay rent", "2025-01-01")

	gate := make(chan struct{})
	f.ledger.Gate(gate)

	const callers = 16
	results := make([]*Result, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.coord.CompleteTask(context.Background(), tsk.ID, testAccount)
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, StatusConfirmed, results[i].Status)
		assert.Equal(t, results[0].Fingerprint, results[i].Fingerprint)
	}
	assert.Equal(t, 1, f.ledger.Submits())
	assert.Len(t, f.journal.entries, 1)
}

func TestTasksWithIdenticalContentSerializeOnTheLedger(t *testing.T) {
	f := newFixture(t)
	t0 := f.createTask(t, "Pay rent", "2025-01-01")
	t1 := f.createTask(t, "Pay rent", "2025-01-01")

	var wg sync.WaitGroup
	for _, id := range []uuid.UUID{t0.ID, t1.ID} {
		wg.Add(1)
		go func(id uuid.UUID) {
			defer wg.Done()
			result, err := f.coord.CompleteTask(context.Background(), id, testAccount)
			assert.NoError(t, err)
			assert.Equal(t, StatusConfirmed, result.Status)
		}(id)
	}
	wg.Wait()

	assert.Equal(t, 1, f.ledger.Submits())
	assert.True(t, f.reload(t, t0.ID).Completed)
	assert.True(t, f.reload(t, t1.ID).Completed)
}

func TestCancelledCallerDoesNotAbortTheAttempt(t *testing.T) {
	f := newFixture(t)
	tsk := f.createTask(t, "Pay rent", "2025-01-01")

	gate := make(chan struct{})
	f.ledger.Gate(gate)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := f.coord.CompleteTask(ctx, tsk.ID, testAccount)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(gate)

	result, err := f.coord.CompleteTask(context.Background(), tsk.ID, testAccount)
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, result.Status)
	assert.Equal(t, 1, f.ledger.Submits())
}

func TestSubmissionTimeoutIsAmbiguous(t *testing.T) {
	f := newFixture(t)
	tsk := f.createTask(t, "Pay rent", "2025-01-01")
	f.ledger.InjectSubmitFault(timeoutFault("0xpending", false))

	result, err := f.coord.CompleteTask(context.Background(), tsk.ID, testAccount)
	require.NoError(t, err)
	assert.Equal(t, StatusAmbiguous, result.Status)
	assert.Equal(t, reasonSubmissionTimeout, result.Reason)
	assert.Nil(t, result.Receipt)

	stored := f.reload(t, tsk.ID)
	assert.False(t, stored.Completed)
	assert.True(t, stored.HasStatus(task.CompletionStatusAmbiguous))
	assert.Equal(t, "0xpending", *stored.PendingReceipt)
	assert.Nil(t, stored.LedgerReceipt)
	assert.True(t, stored.Frozen())

	assert.Contains(t, f.publisher.subjects(), notificationSubject(StatusAmbiguous))
	assert.Contains(t, f.publisher.subjects(), natsReconcileSubject)
	assert.Empty(t, f.journal.entries)
}

func TestReconcileLandedSubmissionConfirmsWithoutResubmitting(t *testing.T) {
	f := newFixture(t)
	tsk := f.createTask(t, "Pay rent", "2025-01-01")
	f.ledger.InjectSubmitFault(timeoutFault("", true))

	result, err := f.coord.CompleteTask(context.Background(), tsk.ID, testAccount)
	require.NoError(t, err)
	require.Equal(t, StatusAmbiguous, result.Status)

	pending := f.reload(t, tsk.ID).PendingReceipt
	require.NotNil(t, pending)

	result, err = f.coord.Reconcile(context.Background(), tsk.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, result.Status)
	assert.False(t, result.Submitted)
	assert.Equal(t, 1, f.ledger.Submits())

	stored := f.reload(t, tsk.ID)
	assert.True(t, stored.Completed)
	assert.Equal(t, *pending, *stored.LedgerReceipt)
	assert.Nil(t, stored.PendingReceipt)
}

func TestReconcileLostSubmissionResubmits(t *testing.T) {
	f := newFixture(t)
	tsk := f.createTask(t, "Pay rent", "2025-01-01")
	f.ledger.InjectSubmitFault(timeoutFault("0xlost", false))

	result, err := f.coord.CompleteTask(context.Background(), tsk.ID, testAccount)
	require.NoError(t, err)
	require.Equal(t, StatusAmbiguous, result.Status)

	result, err = f.coord.Reconcile(context.Background(), tsk.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, result.Status)
	assert.True(t, result.Submitted)
	assert.Equal(t, 2, f.ledger.Submits())
	assert.True(t, f.reload(t, tsk.ID).Completed)
}

func TestCompleteTaskOnAmbiguousTaskChecksFirst(t *testing.T) {
	f := newFixture(t)
	tsk := f.createTask(t, "Pay rent", "2025-01-01")
	f.ledger.InjectSubmitFault(timeoutFault("", true))

	_, err := f.coord.CompleteTask(context.Background(), tsk.ID, testAccount)
	require.NoError(t, err)

	result, err := f.coord.CompleteTask(context.Background(), tsk.ID, testAccount)
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, result.Status)
	assert.Equal(t, 1, f.ledger.Submits())
}

func TestRejectionFailsWithoutTouchingTheTask(t *testing.T) {
	f := newFixture(t)
	tsk := f.createTask(t, "Pay rent", "2025-01-01")
	f.ledger.InjectSubmitFault(ledger.SubmitFault{Err: &ledger.RejectedError{Op: "submitCompletion", Reason: "execution reverted"}})

	result, err := f.coord.CompleteTask(context.Background(), tsk.ID, testAccount)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, result.Status)
	assert.Equal(t, reasonRejected, result.Reason)
	assert.Contains(t, result.Message, "execution reverted")

	stored := f.reload(t, tsk.ID)
	assert.False(t, stored.Completed)
	assert.Nil(t, stored.CompletionStatus)
	assert.Nil(t, stored.Fingerprint)
	assert.Contains(t, f.publisher.subjects(), notificationSubject(StatusFailed))
}

func TestRejectedResubmissionSettlesAmbiguousTask(t *testing.T) {
	f := newFixture(t)
	tsk := f.createTask(t, "Pay rent", "2025-01-01")
	f.ledger.InjectSubmitFault(timeoutFault("0xlost", false))
	f.ledger.InjectSubmitFault(ledger.SubmitFault{Err: &ledger.RejectedError{Op: "submitCompletion", Reason: "not authorized"}})

	_, err := f.coord.CompleteTask(context.Background(), tsk.ID, testAccount)
	require.NoError(t, err)

	result, err := f.coord.Reconcile(context.Background(), tsk.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, result.Status)

	stored := f.reload(t, tsk.ID)
	assert.False(t, stored.Completed)
	assert.True(t, stored.HasStatus(task.CompletionStatusFailed))
	assert.False(t, stored.Frozen())
}

func TestRejectedDuplicateOfLandedSubmissionConfirms(t *testing.T) {
	f := newFixture(t)
	tsk := f.createTask(t, "Pay rent", "2025-01-01")
	f.ledger.InjectSubmitFault(timeoutFault("0xpending", false))

	result, err := f.coord.CompleteTask(context.Background(), tsk.ID, testAccount)
	require.NoError(t, err)
	require.Equal(t, StatusAmbiguous, result.Status)

	// the contract refuses the resubmission because the completion is already recorded
	f.ledger.InjectSubmitFault(ledger.SubmitFault{
		Err:    &ledger.RejectedError{Op: "submitCompletion", Reason: "execution reverted: task already completed"},
		Landed: true,
	})

	result, err = f.coord.Reconcile(context.Background(), tsk.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, result.Status)
	assert.Equal(t, reasonAlreadyOnLedger, result.Reason)
	assert.Equal(t, 2, f.ledger.Submits())

	stored := f.reload(t, tsk.ID)
	assert.True(t, stored.Completed)
	assert.True(t, stored.HasStatus(task.CompletionStatusConfirmed))
	assert.True(t, stored.VerifiedOnLedger)
	assert.True(t, stored.Frozen())
	assert.Len(t, f.journal.entries, 1)
}

func TestContentIsFrozenWhileSubmissionIsInFlight(t *testing.T) {
	f := newFixture(t)
	tsk := f.createTask(t, "Pay rent", "2025-01-01")

	gate := make(chan struct{})
	f.ledger.Gate(gate)

	done := make(chan *Result, 1)
	go func() {
		result, err := f.coord.CompleteTask(context.Background(), tsk.ID, testAccount)
		assert.NoError(t, err)
		done <- result
	}()

	require.Eventually(t, func() bool {
		return f.reload(t, tsk.ID).HasStatus(task.CompletionStatusSubmitting)
	}, time.Second, 5*time.Millisecond)

	stored := f.reload(t, tsk.ID)
	assert.True(t, stored.Frozen())
	title := "Pay mortgage"
	assert.ErrorIs(t, stored.ApplyEdit(&task.Edit{Title: &title}), task.ErrContentFrozen)

	stored.Title = title
	assert.ErrorIs(t, f.store.Update(stored), task.ErrContentFrozen)

	close(gate)
	result := <-done
	require.NotNil(t, result)
	assert.Equal(t, StatusConfirmed, result.Status)
	assert.Equal(t, "Pay rent", f.reload(t, tsk.ID).Title)

	v, err := f.coord.VerifyTask(context.Background(), tsk.ID)
	require.NoError(t, err)
	require.NotNil(t, v.ContentMatches)
	assert.True(t, *v.ContentMatches)
	assert.True(t, v.MatchesLedger)
}

func TestSubmissionForChangedContentIsStale(t *testing.T) {
	f := newFixture(t)
	tsk := f.createTask(t, "Pay rent", "2025-01-01")
	fp := fingerprint.MustDerive("Pay rent", "", tsk.Deadline)

	stored := f.reload(t, tsk.ID)
	stored.Title = "Pay mortgage"
	require.NoError(t, f.store.Update(stored))

	// a flight for the previous content must not submit it
	_, err := f.coord.run(context.Background(), tsk.ID, testAccount, fp, modeComplete)
	assert.ErrorIs(t, err, ErrStaleContent)
	assert.Equal(t, 0, f.ledger.Submits())
	assert.Nil(t, f.reload(t, tsk.ID).CompletionStatus)
}

func TestPendingTransactionBlocksResubmission(t *testing.T) {
	f := newFixture(t)
	tsk := f.createTask(t, "Pay rent", "2025-01-01")
	f.ledger.InjectSubmitFault(timeoutFault("0xpending", false))

	result, err := f.coord.CompleteTask(context.Background(), tsk.ID, testAccount)
	require.NoError(t, err)
	require.Equal(t, StatusAmbiguous, result.Status)

	f.ledger.SetTransactionState("0xpending", ledger.TransactionPending)

	result, err = f.coord.Reconcile(context.Background(), tsk.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusAmbiguous, result.Status)
	assert.Equal(t, reasonSubmissionPending, result.Reason)
	assert.False(t, result.Submitted)
	assert.Equal(t, 1, f.ledger.Submits())

	result, err = f.coord.CompleteTask(context.Background(), tsk.ID, testAccount)
	require.NoError(t, err)
	assert.Equal(t, StatusAmbiguous, result.Status)
	assert.Equal(t, 1, f.ledger.Submits())

	msg := []byte(`{"task_id":"` + tsk.ID.String() + `"}`)
	assert.False(t, f.coord.handleReconcileMsg(context.Background(), msg))
	assert.Equal(t, 1, f.ledger.Submits())

	stored := f.reload(t, tsk.ID)
	assert.True(t, stored.HasStatus(task.CompletionStatusAmbiguous))
	assert.Equal(t, "0xpending", *stored.PendingReceipt)

	// the transaction was dropped; resubmission is now safe
	f.ledger.SetTransactionState("0xpending", ledger.TransactionUnknown)

	result, err = f.coord.Reconcile(context.Background(), tsk.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, result.Status)
	assert.True(t, result.Submitted)
	assert.Equal(t, 2, f.ledger.Submits())
}

func TestRevertedPendingTransactionIsResubmitted(t *testing.T) {
	f := newFixture(t)
	tsk := f.createTask(t, "Pay rent", "2025-01-01")
	f.ledger.InjectSubmitFault(timeoutFault("0xreverted", false))

	_, err := f.coord.CompleteTask(context.Background(), tsk.ID, testAccount)
	require.NoError(t, err)

	f.ledger.SetTransactionState("0xreverted", ledger.TransactionReverted)

	result, err := f.coord.Reconcile(context.Background(), tsk.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, result.Status)
	assert.Equal(t, 2, f.ledger.Submits())
}

func TestLedgerUnavailableFailsWithoutSubmitting(t *testing.T) {
	f := newFixture(t)
	tsk := f.createTask(t, "Pay rent", "2025-01-01")
	f.ledger.InjectQueryFault(&ledger.RPCError{Op: "queryCompletion", Err: errors.New("connection refused")})

	result, err := f.coord.CompleteTask(context.Background(), tsk.ID, testAccount)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, result.Status)
	assert.Equal(t, reasonLedgerUnavailable, result.Reason)
	assert.False(t, result.Submitted)
	assert.Equal(t, 0, f.ledger.Submits())
	assert.False(t, f.reload(t, tsk.ID).Completed)
}

func TestDivergentTaskIsReportedAndRepairedByReconcile(t *testing.T) {
	f := newFixture(t)
	tsk := f.createTask(t, "Pay rent", "2025-01-01")
	fp := fingerprint.MustDerive("Pay rent", "", tsk.Deadline)

	_, err := f.store.SaveCompletion(tsk.ID, &task.Completion{
		Status:           task.CompletionStatusConfirmed,
		Completed:        true,
		Fingerprint:      fp.String(),
		VerifiedOnLedger: true,
		CompletedBy:      testAccount,
	})
	require.NoError(t, err)

	result, err := f.coord.CompleteTask(context.Background(), tsk.ID, testAccount)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, result.Status)
	assert.Equal(t, reasonDivergent, result.Reason)
	assert.Equal(t, 0, f.ledger.Submits())
	assert.False(t, f.reload(t, tsk.ID).VerifiedOnLedger)

	result, err = f.coord.Reconcile(context.Background(), tsk.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, result.Status)
	assert.Equal(t, 1, f.ledger.Submits())

	completed, err := f.ledger.QueryCompletion(context.Background(), testAccount, fp)
	require.NoError(t, err)
	assert.True(t, completed)
	assert.True(t, f.reload(t, tsk.ID).VerifiedOnLedger)
}

func TestCompleteTaskScopesToOwner(t *testing.T) {
	f := newFixture(t)
	tsk := f.createTask(t, "Pay rent", "2025-01-01")

	_, err := f.coord.CompleteTask(context.Background(), tsk.ID, "0xdef")
	assert.ErrorIs(t, err, task.ErrNotFound)

	_, err = f.coord.CompleteTask(context.Background(), tsk.ID, " ")
	assert.ErrorIs(t, err, ErrAccountRequired)

	unknown, _ := uuid.NewV4()
	_, err = f.coord.CompleteTask(context.Background(), unknown, testAccount)
	assert.ErrorIs(t, err, task.ErrNotFound)
	assert.Equal(t, 0, f.ledger.Submits())
}

func TestReconcileRequiresAPriorAttempt(t *testing.T) {
	f := newFixture(t)
	tsk := f.createTask(t, "Pay rent", "2025-01-01")

	_, err := f.coord.Reconcile(context.Background(), tsk.ID)
	assert.ErrorIs(t, err, ErrNothingToReconcile)

	_, err = f.coord.ReconcileTask(context.Background(), tsk.ID, "0xdef")
	assert.ErrorIs(t, err, task.ErrNotFound)
}

func TestVerifyTaskReportsMismatchAndRefreshesCache(t *testing.T) {
	f := newFixture(t)
	tsk := f.createTask(t, "Pay rent", "2025-01-01")
	fp := fingerprint.MustDerive("Pay rent", "", tsk.Deadline)

	_, err := f.store.SaveCompletion(tsk.ID, &task.Completion{
		Status:           task.CompletionStatusConfirmed,
		Completed:        true,
		Fingerprint:      fp.String(),
		VerifiedOnLedger: true,
		CompletedBy:      testAccount,
	})
	require.NoError(t, err)

	v, err := f.coord.VerifyTask(context.Background(), tsk.ID)
	require.NoError(t, err)
	assert.True(t, v.ClaimedComplete)
	assert.False(t, v.LedgerSaysComplete)
	assert.False(t, v.MatchesLedger)
	require.NotNil(t, v.ContentMatches)
	assert.True(t, *v.ContentMatches)
	assert.False(t, f.reload(t, tsk.ID).VerifiedOnLedger)

	f.ledger.Record(testAccount, fp)

	v, err = f.coord.VerifyTask(context.Background(), tsk.ID)
	require.NoError(t, err)
	assert.True(t, v.MatchesLedger)
	assert.True(t, f.reload(t, tsk.ID).VerifiedOnLedger)
	assert.Equal(t, 0, f.ledger.Submits())
}

func TestVerifyTaskWithoutCompletion(t *testing.T) {
	f := newFixture(t)
	tsk := f.createTask(t, "Pay rent", "")

	v, err := f.coord.VerifyTask(context.Background(), tsk.ID)
	require.NoError(t, err)
	assert.False(t, v.ClaimedComplete)
	assert.False(t, v.LedgerSaysComplete)
	assert.True(t, v.MatchesLedger)
	assert.Nil(t, v.ContentMatches)
}

func TestCompletedContentVerifiesAgainstTheLedger(t *testing.T) {
	f := newFixture(t)
	tsk := f.createTask(t, "Pay rent", "2025-01-01")

	result, err := f.coord.CompleteTask(context.Background(), tsk.ID, testAccount)
	require.NoError(t, err)
	require.Equal(t, StatusConfirmed, result.Status)

	deadline := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	v, err := f.coord.VerifyContent(context.Background(), testAccount, fingerprint.Content{Title: "Pay rent", Deadline: &deadline})
	require.NoError(t, err)
	assert.True(t, v.LedgerSaysComplete)
	assert.Equal(t, result.Fingerprint, v.Fingerprint)

	other := deadline.AddDate(0, 0, 1)
	v, err = f.coord.VerifyContent(context.Background(), testAccount, fingerprint.Content{Title: "Pay rent", Deadline: &other})
	require.NoError(t, err)
	assert.False(t, v.LedgerSaysComplete)
	assert.False(t, v.MatchesLedger)

	v, err = f.coord.VerifyContent(context.Background(), "0xdef", fingerprint.Content{Title: "Pay rent", Deadline: &deadline})
	require.NoError(t, err)
	assert.False(t, v.LedgerSaysComplete)
}

func TestContentEditsAfterCompletionAreRejected(t *testing.T) {
	f := newFixture(t)
	tsk := f.createTask(t, "Pay rent", "2025-01-01")

	_, err := f.coord.CompleteTask(context.Background(), tsk.ID, testAccount)
	require.NoError(t, err)

	stored := f.reload(t, tsk.ID)
	stored.Title = "Pay rent twice"
	assert.ErrorIs(t, f.store.Update(stored), task.ErrContentFrozen)
}

func TestHandleReconcileMsg(t *testing.T) {
	f := newFixture(t)
	tsk := f.createTask(t, "Pay rent", "2025-01-01")
	f.ledger.InjectSubmitFault(timeoutFault("", true))

	_, err := f.coord.CompleteTask(context.Background(), tsk.ID, testAccount)
	require.NoError(t, err)

	assert.True(t, f.coord.handleReconcileMsg(context.Background(), []byte("not json")))
	assert.True(t, f.coord.handleReconcileMsg(context.Background(), []byte(`{}`)))

	unknown, _ := uuid.NewV4()
	assert.True(t, f.coord.handleReconcileMsg(context.Background(), []byte(`{"task_id":"`+unknown.String()+`"}`)))

	msg := []byte(`{"task_id":"` + tsk.ID.String() + `"}`)

	f.ledger.InjectQueryFault(&ledger.RPCError{Op: "queryCompletion", Err: errors.New("connection refused")})
	assert.False(t, f.coord.handleReconcileMsg(context.Background(), msg), "ledger outage requests redelivery")

	assert.True(t, f.coord.handleReconcileMsg(context.Background(), msg))
	assert.True(t, f.reload(t, tsk.ID).Completed)
	assert.Equal(t, 1, f.ledger.Submits())
}

func TestStateTransitions(t *testing.T) {
	a := newAttempt(uuid.Nil, testAccount, fingerprint.MustDerive("t", "", nil), StateNotStarted)
	assert.Error(t, a.transition(StateSubmitting))
	require.NoError(t, a.transition(StateChecking))
	require.NoError(t, a.transition(StateSubmitting))
	require.NoError(t, a.transition(StateAmbiguous))
	assert.True(t, IsTerminal(a.state))
	assert.Error(t, a.transition(StateConfirmed))
	require.NoError(t, a.transition(StateChecking))
	require.NoError(t, a.transition(StateConfirmed))
	assert.Error(t, a.transition(StateChecking))
	assert.False(t, IsTerminal(StateSubmitting))
}

func TestKeyedLockerSerializesPerKey(t *testing.T) {
	l := newKeyedLocker()

	unlock, err := l.Lock(context.Background(), "a")
	require.NoError(t, err)

	other, err := l.Lock(context.Background(), "b")
	require.NoError(t, err)
	other()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "a")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	unlock, err = l.Lock(context.Background(), "a")
	require.NoError(t, err)
	unlock()

	assert.Empty(t, l.locks)
}
