package repository

import (
	"context"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
)

var recipientCols = []string{
	"id", "chat_id", "username", "first_name", "is_active", "created_at", "updated_at",
}

func TestRecipientsUpsertReadsIDBack(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewRecipientsRepository(db)

	mock.ExpectExec("INSERT INTO recipients").
		WithArgs(int64(100), "alice", "Alice").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT id FROM recipients").
		WithArgs(int64(100)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(5))

	u, f := "alice", "Alice"
	id, err := repo.Upsert(context.Background(), 100, &u, &f)
	if err != nil {
		t.Fatal(err)
	}
	if id != 5 {
		t.Fatalf("id = %d, want 5", id)
	}
	expectMet(t, mock)
}

func TestRecipientsUpsertWithoutProfile(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewRecipientsRepository(db)

	mock.ExpectExec("INSERT INTO recipients").
		WithArgs(int64(100), nil, nil).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT id FROM recipients").
		WithArgs(int64(100)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(6))

	id, err := repo.Upsert(context.Background(), 100, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if id != 6 {
		t.Fatalf("id = %d, want 6", id)
	}
	expectMet(t, mock)
}

func TestRecipientsListActiveIDs(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewRecipientsRepository(db)

	mock.ExpectQuery("is_active = 1 ORDER BY id").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1).AddRow(2).AddRow(3))

	ids, err := repo.ListActiveIDs(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 3 || ids[0] != 1 || ids[2] != 3 {
		t.Fatalf("ids = %v", ids)
	}
	expectMet(t, mock)
}

func TestRecipientsListByIDsExpandsIN(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewRecipientsRepository(db)

	now := time.Now()
	mock.ExpectQuery(regexp.QuoteMeta("IN (?, ?, ?)")).
		WithArgs(int64(1), int64(2), int64(3)).
		WillReturnRows(sqlmock.NewRows(recipientCols).
			AddRow(1, 100, nil, nil, true, now, now).
			AddRow(3, 300, nil, nil, false, now, now))

	recs, err := repo.ListByIDs(context.Background(), []int64{1, 2, 3})
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 || recs[0].ID != 1 || recs[1].ID != 3 {
		t.Fatalf("recs = %+v", recs)
	}
	if recs[1].IsActive {
		t.Fatalf("recipient 3 should be inactive")
	}
	expectMet(t, mock)
}

func TestRecipientsListByIDsEmptyInput(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewRecipientsRepository(db)

	recs, err := repo.ListByIDs(context.Background(), nil)
	if err != nil || recs != nil {
		t.Fatalf("got (%v, %v), want (nil, nil)", recs, err)
	}
	expectMet(t, mock)
}

func TestRecipientsGetByChatIDMissing(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewRecipientsRepository(db)

	mock.ExpectQuery("WHERE chat_id = ").
		WithArgs(int64(404)).
		WillReturnRows(sqlmock.NewRows(recipientCols))

	rec, err := repo.GetByChatID(context.Background(), 404)
	if err != nil || rec != nil {
		t.Fatalf("got (%+v, %v), want (nil, nil)", rec, err)
	}
	expectMet(t, mock)
}

func TestRecipientsDeactivate(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewRecipientsRepository(db)

	mock.ExpectExec("UPDATE recipients SET is_active = 0").
		WithArgs(int64(9)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := repo.Deactivate(context.Background(), 9); err != nil {
		t.Fatal(err)
	}
	expectMet(t, mock)
}
