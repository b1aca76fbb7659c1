package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"key-delivery-service/internal/domain"
)

func TestListingRepository_CreateWithAssetKey(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	repo := NewListingRepository(db)

	listing := &domain.Listing{
		ID:             "listing-1",
		SellerIdentity: "seller-1",
		AssetRef:       "ref",
		Filename:       "data.csv",
		Name:           "Dataset",
		Mime:           "text/csv",
		Size:           42,
		PriceAmount:    1_000_000,
		AuditLog: []domain.AuditEntry{
			{Timestamp: time.Now().UTC(), Action: domain.AuditListingCreated, Actor: "seller-1"},
		},
	}
	key := &domain.AssetKey{
		AssetID: "listing-1",
		Wrapped: domain.WrappedKey{WrappedKey: []byte("w"), KeyVersion: 1},
	}
	if err := repo.Create(ctx, listing, key); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, err := repo.FindByID(ctx, "listing-1")
	if err != nil {
		t.Fatalf("FindByID failed: %v", err)
	}
	if got == nil || got.PriceAmount != 1_000_000 || got.IsWithdrawn() {
		t.Fatalf("unexpected listing: %+v", got)
	}
	if len(got.AuditLog) != 1 {
		t.Errorf("expected 1 audit entry, got %d", len(got.AuditLog))
	}

	stored, err := NewAssetKeyRepository(db).FindByAssetID(ctx, "listing-1")
	if err != nil {
		t.Fatalf("FindByAssetID failed: %v", err)
	}
	if stored == nil || stored.Wrapped.KeyVersion != 1 {
		t.Errorf("unexpected asset key: %+v", stored)
	}
}

func TestListingRepository_MarkWithdrawn(t *testing.T) {
	ctx := context.Background()
	repo := NewListingRepository(setupTestDB(t))

	listing := &domain.Listing{ID: "listing-1", SellerIdentity: "seller-1", AssetRef: "ref", Filename: "f", Name: "n", PriceAmount: 1}
	key := &domain.AssetKey{AssetID: "listing-1", Wrapped: domain.WrappedKey{WrappedKey: []byte("w")}}
	if err := repo.Create(ctx, listing, key); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	now := time.Now().UTC()
	entry := domain.AuditEntry{Timestamp: now, Action: domain.AuditDatasetWithdrawn, Actor: "seller-1"}
	if err := repo.MarkWithdrawn(ctx, "listing-1", "gone", now, entry); err != nil {
		t.Fatalf("MarkWithdrawn failed: %v", err)
	}
	if err := repo.MarkWithdrawn(ctx, "listing-1", "again", now, entry); !errors.Is(err, domain.ErrListingAlreadyWithdrawn) {
		t.Errorf("expected ErrListingAlreadyWithdrawn, got %v", err)
	}

	got, _ := repo.FindByID(ctx, "listing-1")
	if !got.IsWithdrawn() || *got.WithdrawnReason != "gone" {
		t.Errorf("unexpected listing: %+v", got)
	}
	if len(got.AuditLog) != 1 || got.AuditLog[0].Action != domain.AuditDatasetWithdrawn {
		t.Errorf("unexpected audit log: %+v", got.AuditLog)
	}
}

func TestMigrationRepository_Apply(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	repo := NewMigrationRepository(db)

	if err := repo.EnsureTable(ctx); err != nil {
		t.Fatalf("EnsureTable failed: %v", err)
	}
	if err := repo.Apply(ctx, "001", []string{"CREATE TABLE t1 (id INTEGER)", "CREATE TABLE t2 (id INTEGER)"}); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	applied, err := repo.IsMigrationApplied(ctx, "001")
	if err != nil {
		t.Fatalf("IsMigrationApplied failed: %v", err)
	}
	if !applied {
		t.Error("expected 001 to be applied")
	}

	// 失敗した場合は記録されない
	if err := repo.Apply(ctx, "002", []string{"CREATE TABLE t3 (id INTEGER)", "NOT SQL"}); err == nil {
		t.Fatal("expected error for invalid statement")
	}
	applied, _ = repo.IsMigrationApplied(ctx, "002")
	if applied {
		t.Error("failed migration must not be recorded")
	}

	all, err := repo.FindAllApplied(ctx)
	if err != nil {
		t.Fatalf("FindAllApplied failed: %v", err)
	}
	if len(all) != 1 || !all[0].IsApplied() {
		t.Errorf("unexpected applied migrations: %+v", all)
	}
}
