package worker

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/merchbot/broadcast-gateway/internal/kafka"
	"github.com/merchbot/broadcast-gateway/internal/model"
	"github.com/merchbot/broadcast-gateway/internal/telegram"
)

type fakeSender struct {
	errs  []error // error per call, nil past the end
	chats []int64
}

func (f *fakeSender) SendMessage(_ context.Context, chatID int64, _ string) error {
	i := len(f.chats)
	f.chats = append(f.chats, chatID)
	if i < len(f.errs) {
		return f.errs[i]
	}
	return nil
}

type markCall struct {
	campaignID  int64
	recipientID int64
	attempts    int
	lastErr     string
}

type fakeDeliveries struct {
	sent        []markCall
	failed      []markCall
	counts      model.DeliveryCounts
	countErr    error
	markSentErr error
	markFailErr error
}

func (f *fakeDeliveries) InsertPending(context.Context, *sqlx.Tx, int64, []int64) error { return nil }
func (f *fakeDeliveries) DeletePending(context.Context, int64) error                    { return nil }

func (f *fakeDeliveries) MarkSent(_ context.Context, campaignID, recipientID int64, attempts int) error {
	if f.markSentErr != nil {
		return f.markSentErr
	}
	f.sent = append(f.sent, markCall{campaignID: campaignID, recipientID: recipientID, attempts: attempts})
	return nil
}

func (f *fakeDeliveries) MarkFailed(_ context.Context, campaignID, recipientID int64, attempts int, lastErr string) error {
	if f.markFailErr != nil {
		return f.markFailErr
	}
	f.failed = append(f.failed, markCall{campaignID: campaignID, recipientID: recipientID, attempts: attempts, lastErr: lastErr})
	return nil
}

func (f *fakeDeliveries) CountByCampaign(context.Context, int64) (model.DeliveryCounts, error) {
	return f.counts, f.countErr
}

type finalizeCall struct {
	id     int64
	sent   int64
	failed int64
}

type fakeCampaigns struct {
	finalized   []finalizeCall
	finalizeWon bool
	finalizeErr error
}

func (f *fakeCampaigns) Create(context.Context, string, *time.Time) (int64, error) { return 0, nil }
func (f *fakeCampaigns) GetByID(context.Context, int64) (*model.Campaign, error)   { return nil, nil }
func (f *fakeCampaigns) List(context.Context, model.CampaignStatus, int, int) ([]model.Campaign, error) {
	return nil, nil
}
func (f *fakeCampaigns) UpdateContent(context.Context, int64, string, *time.Time) error { return nil }
func (f *fakeCampaigns) ListDueScheduled(context.Context, time.Time) ([]model.Campaign, error) {
	return nil, nil
}
func (f *fakeCampaigns) CASStatus(context.Context, int64, model.CampaignStatus, model.CampaignStatus) error {
	return nil
}
func (f *fakeCampaigns) FinalizeDelivery(_ context.Context, id int64, sent, failed int64) (bool, error) {
	f.finalized = append(f.finalized, finalizeCall{id: id, sent: sent, failed: failed})
	return f.finalizeWon, f.finalizeErr
}

// senderEnv wires a SenderWorker to fakes. The default delivery counts
// keep one row pending so finalization stays out of the way unless a
// test asks for it.
type senderEnv struct {
	consumer   *fakeConsumer
	lane       *fakeProducer
	sender     *fakeSender
	deliveries *fakeDeliveries
	campaigns  *fakeCampaigns
	recipients *fakeRecipients
	slept      []time.Duration
	w          *SenderWorker
}

func newSenderEnv() *senderEnv {
	e := &senderEnv{
		consumer:   &fakeConsumer{},
		lane:       &fakeProducer{},
		sender:     &fakeSender{},
		deliveries: &fakeDeliveries{counts: model.DeliveryCounts{Total: 2, Pending: 1, Sent: 1}},
		campaigns:  &fakeCampaigns{finalizeWon: true},
		recipients: &fakeRecipients{},
	}
	e.w = NewSenderWorker(e.consumer, e.lane, e.sender, e.deliveries, e.campaigns, e.recipients, nil)
	e.w.sleep = func(_ context.Context, d time.Duration) { e.slept = append(e.slept, d) }
	return e
}

func sendJobMsg(t *testing.T, job model.SendJob) kafka.Message {
	t.Helper()
	return kafka.Message{Value: mustJSON(t, job)}
}

var baseSendJob = model.SendJob{
	JobID:       "send-1",
	CampaignID:  7,
	RecipientID: 3,
	ChatID:      100,
	Text:        "hi",
	Attempt:     1,
}

func TestSenderSuccessMarksSentAndCommits(t *testing.T) {
	e := newSenderEnv()

	e.w.processOne(context.Background(), sendJobMsg(t, baseSendJob))

	if len(e.sender.chats) != 1 || e.sender.chats[0] != 100 {
		t.Fatalf("sent to chats %v, want [100]", e.sender.chats)
	}
	if len(e.deliveries.sent) != 1 {
		t.Fatalf("marked sent %d times, want 1", len(e.deliveries.sent))
	}
	m := e.deliveries.sent[0]
	if m.campaignID != 7 || m.recipientID != 3 || m.attempts != 1 {
		t.Fatalf("mark sent = %+v", m)
	}
	if len(e.consumer.committed) != 1 {
		t.Fatalf("committed %d, want 1", len(e.consumer.committed))
	}
	if len(e.lane.published) != 0 {
		t.Fatalf("requeued a delivered job")
	}
	if len(e.campaigns.finalized) != 0 {
		t.Fatalf("finalized while rows are still pending")
	}
}

func TestSenderLateAttemptSuccessKeepsAttemptCount(t *testing.T) {
	e := newSenderEnv()

	// Third delivery attempt of a job that failed transiently twice.
	job := baseSendJob
	job.Attempt = 3
	e.w.processOne(context.Background(), sendJobMsg(t, job))

	if len(e.deliveries.sent) != 1 || e.deliveries.sent[0].attempts != 3 {
		t.Fatalf("sent marks = %+v, want attempts 3", e.deliveries.sent)
	}
	if len(e.deliveries.failed) != 0 {
		t.Fatalf("success recorded as failure")
	}
	if len(e.lane.published) != 0 {
		t.Fatalf("requeued a delivered job")
	}
}

func TestSenderTransientFailureRequeuesWithBackoff(t *testing.T) {
	e := newSenderEnv()
	e.sender.errs = []error{&telegram.APIError{Code: 500, Description: "Internal Server Error"}}

	e.w.processOne(context.Background(), sendJobMsg(t, baseSendJob))

	if len(e.lane.published) != 1 {
		t.Fatalf("published %d, want exactly one retry", len(e.lane.published))
	}
	var next model.SendJob
	if err := json.Unmarshal(e.lane.published[0].value, &next); err != nil {
		t.Fatal(err)
	}
	if next.Attempt != 2 {
		t.Fatalf("retry attempt = %d, want 2", next.Attempt)
	}
	if next.JobID != "send-1" || next.ChatID != 100 || next.Text != "hi" {
		t.Fatalf("retry mutated the job: %+v", next)
	}
	if e.lane.published[0].key != "100" {
		t.Fatalf("retry key = %q, want chat id", e.lane.published[0].key)
	}
	if len(e.consumer.committed) != 1 {
		t.Fatalf("original not committed after requeue")
	}
	if len(e.deliveries.sent)+len(e.deliveries.failed) != 0 {
		t.Fatalf("outcome recorded for a retried job")
	}
	if len(e.slept) != 1 || e.slept[0] != 2*time.Second {
		t.Fatalf("slept %v, want [2s]", e.slept)
	}
}

func TestSenderRetryAfterOverridesBackoff(t *testing.T) {
	e := newSenderEnv()
	e.sender.errs = []error{&telegram.APIError{
		Code:        429,
		Description: "Too Many Requests: retry after 11",
		RetryAfter:  11 * time.Second,
	}}

	e.w.processOne(context.Background(), sendJobMsg(t, baseSendJob))

	if len(e.slept) != 1 || e.slept[0] != 11*time.Second {
		t.Fatalf("slept %v, want [11s]", e.slept)
	}
}

func TestSenderExhaustedRetriesRecordFailure(t *testing.T) {
	e := newSenderEnv()
	e.sender.errs = []error{&telegram.APIError{Code: 500, Description: "boom"}}

	job := baseSendJob
	job.Attempt = e.w.MaxAttempts
	e.w.processOne(context.Background(), sendJobMsg(t, job))

	if len(e.lane.published) != 0 {
		t.Fatalf("requeued past max attempts")
	}
	if len(e.deliveries.failed) != 1 {
		t.Fatalf("marked failed %d times, want 1", len(e.deliveries.failed))
	}
	f := e.deliveries.failed[0]
	if f.attempts != e.w.MaxAttempts {
		t.Fatalf("failed attempts = %d, want %d", f.attempts, e.w.MaxAttempts)
	}
	if !strings.HasPrefix(f.lastErr, "retries exhausted") {
		t.Fatalf("last error = %q", f.lastErr)
	}
	if len(e.consumer.committed) != 1 {
		t.Fatalf("committed %d, want 1", len(e.consumer.committed))
	}
}

func TestSenderBlockedChatDeactivatesRecipient(t *testing.T) {
	e := newSenderEnv()
	e.sender.errs = []error{&telegram.APIError{Code: 403, Description: "Forbidden: bot was blocked by the user"}}

	e.w.processOne(context.Background(), sendJobMsg(t, baseSendJob))

	if got := e.recipients.deactivated; len(got) != 1 || got[0] != 3 {
		t.Fatalf("deactivated %v, want [3]", got)
	}
	if len(e.deliveries.failed) != 1 || e.deliveries.failed[0].attempts != 1 {
		t.Fatalf("failed marks = %+v", e.deliveries.failed)
	}
	if len(e.lane.published) != 0 {
		t.Fatalf("requeued a permanently failed job")
	}
	if len(e.consumer.committed) != 1 {
		t.Fatalf("committed %d, want 1", len(e.consumer.committed))
	}
}

func TestSenderBadRequestIsPermanent(t *testing.T) {
	e := newSenderEnv()
	e.sender.errs = []error{&telegram.APIError{Code: 400, Description: "Bad Request: chat not found"}}

	e.w.processOne(context.Background(), sendJobMsg(t, baseSendJob))

	if len(e.recipients.deactivated) != 0 {
		t.Fatalf("deactivated on a non-403 failure")
	}
	if len(e.deliveries.failed) != 1 {
		t.Fatalf("marked failed %d times, want 1", len(e.deliveries.failed))
	}
	if len(e.lane.published) != 0 {
		t.Fatalf("requeued a permanently failed job")
	}
}

func TestSenderPoisonCommittedAndDropped(t *testing.T) {
	for _, value := range [][]byte{
		[]byte("{bad json"),
		[]byte(`{"campaign_id":7,"chat_id":1,"text":"x"}`), // no job id
	} {
		e := newSenderEnv()
		e.w.processOne(context.Background(), kafka.Message{Value: value})

		if len(e.sender.chats) != 0 {
			t.Fatalf("poison %q reached the API", value)
		}
		if len(e.deliveries.sent)+len(e.deliveries.failed) != 0 {
			t.Fatalf("poison %q recorded an outcome", value)
		}
		if len(e.consumer.committed) != 1 {
			t.Fatalf("poison %q committed %d times, want 1", value, len(e.consumer.committed))
		}
	}
}

func TestSenderMissingChatRecordsFailure(t *testing.T) {
	e := newSenderEnv()

	job := baseSendJob
	job.ChatID = 0
	e.w.processOne(context.Background(), sendJobMsg(t, job))

	if len(e.sender.chats) != 0 {
		t.Fatalf("attempted a send with no chat")
	}
	if len(e.deliveries.failed) != 1 {
		t.Fatalf("marked failed %d times, want 1", len(e.deliveries.failed))
	}
	f := e.deliveries.failed[0]
	if f.attempts != 0 || f.lastErr != "recipient missing from directory" {
		t.Fatalf("failure mark = %+v", f)
	}
	if len(e.consumer.committed) != 1 {
		t.Fatalf("committed %d, want 1", len(e.consumer.committed))
	}
}

func TestSenderFinalizesWhenNoPendingLeft(t *testing.T) {
	e := newSenderEnv()
	e.deliveries.counts = model.DeliveryCounts{Total: 3, Pending: 0, Sent: 2, Failed: 1}

	e.w.processOne(context.Background(), sendJobMsg(t, baseSendJob))

	if len(e.campaigns.finalized) != 1 {
		t.Fatalf("finalized %d times, want 1", len(e.campaigns.finalized))
	}
	fc := e.campaigns.finalized[0]
	if fc.id != 7 || fc.sent != 2 || fc.failed != 1 {
		t.Fatalf("finalize call = %+v", fc)
	}
}

func TestSenderRecordFailureLeavesUncommitted(t *testing.T) {
	e := newSenderEnv()
	e.deliveries.markSentErr = errors.New("mysql down")

	e.w.processOne(context.Background(), sendJobMsg(t, baseSendJob))

	if len(e.consumer.committed) != 0 {
		t.Fatalf("committed without a recorded outcome")
	}
}

func TestSenderDirectJobSkipsBookkeeping(t *testing.T) {
	e := newSenderEnv()

	job := baseSendJob
	job.CampaignID = 0
	e.w.processOne(context.Background(), sendJobMsg(t, job))

	if len(e.deliveries.sent)+len(e.deliveries.failed) != 0 {
		t.Fatalf("direct job touched the deliveries table")
	}
	if len(e.consumer.committed) != 1 {
		t.Fatalf("committed %d, want 1", len(e.consumer.committed))
	}
}

func TestSenderDirectFailureOnlyLogs(t *testing.T) {
	e := newSenderEnv()
	e.sender.errs = []error{&telegram.APIError{Code: 400, Description: "Bad Request"}}

	job := baseSendJob
	job.CampaignID = 0
	e.w.processOne(context.Background(), sendJobMsg(t, job))

	if len(e.deliveries.failed) != 0 {
		t.Fatalf("direct failure wrote a delivery row")
	}
	if len(e.campaigns.finalized) != 0 {
		t.Fatalf("direct failure finalized a campaign")
	}
	if len(e.consumer.committed) != 1 {
		t.Fatalf("committed %d, want 1", len(e.consumer.committed))
	}
}

func TestSenderRequeueFailureLeavesUncommitted(t *testing.T) {
	e := newSenderEnv()
	e.sender.errs = []error{&telegram.APIError{Code: 500, Description: "boom"}}
	e.lane.failAt = 1

	e.w.processOne(context.Background(), sendJobMsg(t, baseSendJob))

	if len(e.consumer.committed) != 0 {
		t.Fatalf("committed after a failed requeue")
	}
}
