package http

import (
	"context"
	"net/http/httptest"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	echo "github.com/labstack/echo/v4"

	"github.com/merchbot/broadcast-gateway/internal/dispatch"
	"github.com/merchbot/broadcast-gateway/internal/model"
)

// newCtx builds an echo context around a recorded request.
func newCtx(method, target, body string) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	var req = httptest.NewRequest(method, target, nil)
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

type fakeDispatcher struct {
	draftRes   dispatch.Result
	draftErr   error
	draftCalls []int64
	schedRes   dispatch.Result
	schedErr   error
	schedSel   [][]int64
	directID   string
	directErr  error
	direct     []dispatch.DirectMessage
}

func (f *fakeDispatcher) DispatchDraftToAll(_ context.Context, campaignID int64) (dispatch.Result, error) {
	f.draftCalls = append(f.draftCalls, campaignID)
	return f.draftRes, f.draftErr
}

func (f *fakeDispatcher) DispatchScheduledToSelection(_ context.Context, recipientIDs []int64) (dispatch.Result, error) {
	f.schedSel = append(f.schedSel, recipientIDs)
	return f.schedRes, f.schedErr
}

func (f *fakeDispatcher) EnqueueDirect(_ context.Context, msg dispatch.DirectMessage) (string, error) {
	f.direct = append(f.direct, msg)
	return f.directID, f.directErr
}

type fakeCampaignsRepo struct {
	byID       map[int64]model.Campaign
	createID   int64
	createErr  error
	created    []string
	updateErr  error
	rows       []model.Campaign
	listStatus []model.CampaignStatus
}

func (f *fakeCampaignsRepo) Create(_ context.Context, text string, _ *time.Time) (int64, error) {
	f.created = append(f.created, text)
	return f.createID, f.createErr
}

func (f *fakeCampaignsRepo) GetByID(_ context.Context, id int64) (*model.Campaign, error) {
	if c, ok := f.byID[id]; ok {
		return &c, nil
	}
	return nil, nil
}

func (f *fakeCampaignsRepo) List(_ context.Context, status model.CampaignStatus, _, _ int) ([]model.Campaign, error) {
	f.listStatus = append(f.listStatus, status)
	return f.rows, nil
}

func (f *fakeCampaignsRepo) UpdateContent(context.Context, int64, string, *time.Time) error {
	return f.updateErr
}

func (f *fakeCampaignsRepo) ListDueScheduled(context.Context, time.Time) ([]model.Campaign, error) {
	return nil, nil
}

func (f *fakeCampaignsRepo) CASStatus(context.Context, int64, model.CampaignStatus, model.CampaignStatus) error {
	return nil
}

func (f *fakeCampaignsRepo) FinalizeDelivery(context.Context, int64, int64, int64) (bool, error) {
	return false, nil
}

type fakeDeliveriesRepo struct {
	counts model.DeliveryCounts
}

func (f *fakeDeliveriesRepo) InsertPending(context.Context, *sqlx.Tx, int64, []int64) error {
	return nil
}
func (f *fakeDeliveriesRepo) DeletePending(context.Context, int64) error          { return nil }
func (f *fakeDeliveriesRepo) MarkSent(context.Context, int64, int64, int) error   { return nil }
func (f *fakeDeliveriesRepo) MarkFailed(context.Context, int64, int64, int, string) error {
	return nil
}
func (f *fakeDeliveriesRepo) CountByCampaign(context.Context, int64) (model.DeliveryCounts, error) {
	return f.counts, nil
}

type upsertCall struct {
	chatID    int64
	username  *string
	firstName *string
}

type fakeRecipientsRepo struct {
	upserts  []upsertCall
	upsertID int64
	byID     map[int64]model.Recipient
	rows     []model.Recipient
}

func (f *fakeRecipientsRepo) Upsert(_ context.Context, chatID int64, username, firstName *string) (int64, error) {
	f.upserts = append(f.upserts, upsertCall{chatID: chatID, username: username, firstName: firstName})
	return f.upsertID, nil
}

func (f *fakeRecipientsRepo) GetByID(_ context.Context, id int64) (*model.Recipient, error) {
	if r, ok := f.byID[id]; ok {
		return &r, nil
	}
	return nil, nil
}

func (f *fakeRecipientsRepo) GetByChatID(context.Context, int64) (*model.Recipient, error) {
	return nil, nil
}

func (f *fakeRecipientsRepo) List(context.Context, int, int) ([]model.Recipient, error) {
	return f.rows, nil
}

func (f *fakeRecipientsRepo) ListActiveIDs(context.Context) ([]int64, error) { return nil, nil }

func (f *fakeRecipientsRepo) ListByIDs(context.Context, []int64) ([]model.Recipient, error) {
	return nil, nil
}

func (f *fakeRecipientsRepo) Deactivate(context.Context, int64) error { return nil }

type fakeCHRepo struct {
	rows        []model.Delivery
	err         error
	gotCampaign int64
	gotStatus   model.DeliveryStatus
}

func (f *fakeCHRepo) ListByCampaign(_ context.Context, campaignID int64, status model.DeliveryStatus, _, _ int) ([]model.Delivery, error) {
	f.gotCampaign = campaignID
	f.gotStatus = status
	return f.rows, f.err
}
