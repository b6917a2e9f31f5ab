package credit

import (
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"
)

const exportSheet = "Credits"

// WriteXLSX renders grants as a spreadsheet. Type names come from registry;
// orphaned types show their raw id.
func WriteXLSX(w io.Writer, registry *Registry, grants []Grant) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", exportSheet); err != nil {
		return fmt.Errorf("rename sheet: %w", err)
	}

	headers := []string{"ID", "User", "Type", "Credit", "Consumed", "Remaining", "Status", "Start", "Expires", "Comment", "Created"}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		f.SetCellValue(exportSheet, cell, h)
	}

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font:      &excelize.Font{Bold: true, Color: "#FFFFFF"},
		Fill:      excelize.Fill{Type: "pattern", Color: []string{"#1F2937"}, Pattern: 1},
		Alignment: &excelize.Alignment{Horizontal: "center"},
	})
	if err != nil {
		return fmt.Errorf("header style: %w", err)
	}
	lastHeader, _ := excelize.CoordinatesToCellName(len(headers), 1)
	f.SetCellStyle(exportSheet, "A1", lastHeader, headerStyle)

	mutedStyle, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Color: "#9CA3AF"}})
	if err != nil {
		return fmt.Errorf("muted style: %w", err)
	}

	for i, g := range grants {
		row := i + 2
		expires := "never"
		if g.ExpirationDate != nil {
			expires = g.ExpirationDate.Format("2006-01-02 15:04")
		}

		values := []interface{}{
			g.ID,
			g.UserID,
			registry.DisplayName(g.CreditType),
			g.Credit.InexactFloat64(),
			g.Consumed.InexactFloat64(),
			g.Remaining().InexactFloat64(),
			string(g.Status),
			g.StartDate.Format("2006-01-02 15:04"),
			expires,
			g.Comment,
			g.CreatedAt.Format("2006-01-02 15:04"),
		}
		for col, v := range values {
			cell, _ := excelize.CoordinatesToCellName(col+1, row)
			f.SetCellValue(exportSheet, cell, v)
		}

		if g.Status == StatusExpired || g.Status == StatusDeleted {
			first, _ := excelize.CoordinatesToCellName(1, row)
			last, _ := excelize.CoordinatesToCellName(len(headers), row)
			f.SetCellStyle(exportSheet, first, last, mutedStyle)
		}
	}

	f.SetColWidth(exportSheet, "A", "B", 10)
	f.SetColWidth(exportSheet, "C", "C", 22)
	f.SetColWidth(exportSheet, "D", "G", 12)
	f.SetColWidth(exportSheet, "H", "I", 18)
	f.SetColWidth(exportSheet, "J", "J", 30)
	f.SetColWidth(exportSheet, "K", "K", 18)

	if err := f.Write(w); err != nil {
		return fmt.Errorf("write xlsx: %w", err)
	}
	return nil
}
