package mysql

import (
	"context"
	"database/sql/driver"
	stdErrors "errors"
	"fmt"
	"testing"
	"time"

	"EffiSend-Agent/internal/account"
	xerrors "EffiSend-Agent/internal/errors"

	gomysql "github.com/go-sql-driver/mysql"
)

var accountColumns = []string{"user_id", "address", "clabe", "rclabe", "sealed_key", "created_at"}

func TestAccountStoreCreateIfAbsentInserts(t *testing.T) {
	t.Parallel()

	db := openScript(t, expectExec(insertAccountSQL, 1))
	store, err := NewAccountStore(db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	rec := account.Record{
		Account: account.Account{
			UserID:  "alice",
			Address: "0x00000000000000000000000000000000000000aa",
			CLABE:   "002180561501567250",
			RCLABE:  "710969000000000011",
		},
		SealedKey: "sealed",
	}
	stored, created, err := store.CreateIfAbsent(context.Background(), rec)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if !created || stored.Address != rec.Address || stored.CreatedAt.IsZero() {
		t.Fatalf("unexpected result created=%v record=%+v", created, stored)
	}
}

func TestAccountStoreCreateIfAbsentReturnsExistingOnDuplicate(t *testing.T) {
	t.Parallel()

	createdAt := time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)
	db := openScript(t,
		expectExec(insertAccountSQL, 0).fails(&gomysql.MySQLError{Number: 1062, Message: "Duplicate entry"}),
		expectQuery(selectAccountSQL, accountColumns, []driver.Value{
			"alice", "0x00000000000000000000000000000000000000a1", "002180561501567250", "710969000000000011", "first", createdAt.UnixMilli(),
		}),
	)

	store, _ := NewAccountStore(db)
	stored, created, err := store.CreateIfAbsent(context.Background(), account.Record{
		Account:   account.Account{UserID: "alice", Address: "0x00000000000000000000000000000000000000a2"},
		SealedKey: "second",
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if created {
		t.Fatalf("duplicate insert must not report created")
	}
	if stored.Address != "0x00000000000000000000000000000000000000a1" || stored.SealedKey != "first" {
		t.Fatalf("expected the first writer's record, got %+v", stored)
	}
	if !stored.CreatedAt.Equal(createdAt) {
		t.Fatalf("unexpected created_at %v", stored.CreatedAt)
	}
}

func TestAccountStoreGetMissing(t *testing.T) {
	t.Parallel()

	db := openScript(t, expectQuery(selectAccountSQL, accountColumns))
	store, _ := NewAccountStore(db)
	_, err := store.Get(context.Background(), "ghost")
	if !stdErrors.Is(err, account.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAccountStoreWrapsDriverErrors(t *testing.T) {
	t.Parallel()

	db := openScript(t, expectExec(insertAccountSQL, 0).fails(fmt.Errorf("connection reset")))
	store, _ := NewAccountStore(db)
	_, _, err := store.CreateIfAbsent(context.Background(), account.Record{Account: account.Account{UserID: "bob"}})
	if xerrors.CodeOf(err) != xerrors.CodeStorageFailure {
		t.Fatalf("expected STORAGE_FAILURE, got %v", err)
	}
}
