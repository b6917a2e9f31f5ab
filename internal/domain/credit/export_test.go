package credit_test

import (
	"bytes"
	"testing"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/cobra-ai/credits/internal/domain/credit"
)

func TestWriteXLSX(t *testing.T) {
	registry := credit.NewRegistry()
	grants := []credit.Grant{
		{ID: 1, UserID: 7, CreditType: credit.TypePaid, Credit: dec("10"), Consumed: dec("2.5"), Status: credit.StatusActive, StartDate: epoch, CreatedAt: epoch},
		{ID: 2, UserID: 7, CreditType: "retired", Credit: dec("3"), Consumed: dec("0"), Status: credit.StatusExpired, StartDate: epoch, ExpirationDate: timePtr(epoch.Add(time.Hour)), CreatedAt: epoch},
	}

	var buf bytes.Buffer
	if err := credit.WriteXLSX(&buf, registry, grants); err != nil {
		t.Fatalf("write: %v", err)
	}

	f, err := excelize.OpenReader(&buf)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()

	rows, err := f.GetRows("Credits")
	if err != nil {
		t.Fatalf("rows: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected header plus 2 rows, got %d", len(rows))
	}
	if rows[0][0] != "ID" || rows[0][2] != "Type" {
		t.Fatalf("unexpected header %v", rows[0])
	}
	if rows[1][2] != "Purchased Credits" || rows[1][5] != "7.5" {
		t.Fatalf("unexpected first row %v", rows[1])
	}
	if rows[2][2] != "retired" || rows[2][6] != "expired" || rows[2][8] != "2026-03-10 13:00" {
		t.Fatalf("unexpected second row %v", rows[2])
	}
	if rows[1][8] != "never" {
		t.Fatalf("expected non-expiring grant to show never, got %q", rows[1][8])
	}
}
