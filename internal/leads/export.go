package leads

import (
	"bytes"
	"fmt"

	"github.com/xuri/excelize/v2"
)

const exportSheet = "Leads"

var exportHeaders = []string{
	"ID", "Nombre", "Email", "Teléfono", "RUT", "Etapa", "Evaluación", "Paciente Dentalink",
	"Origen", "UTM Source", "UTM Medium", "UTM Campaign", "Creado",
}

// ExportXLSX renders leads as a spreadsheet with a frozen header row.
func ExportXLSX(leads []*Lead) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	index, err := f.NewSheet(exportSheet)
	if err != nil {
		return nil, fmt.Errorf("leads: create sheet: %w", err)
	}
	f.SetActiveSheet(index)
	if err := f.DeleteSheet("Sheet1"); err != nil {
		return nil, fmt.Errorf("leads: delete default sheet: %w", err)
	}

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#E6F3FF"}, Pattern: 1},
	})
	if err != nil {
		return nil, fmt.Errorf("leads: header style: %w", err)
	}
	for col, header := range exportHeaders {
		cell, err := excelize.CoordinatesToCellName(col+1, 1)
		if err != nil {
			return nil, err
		}
		if err := f.SetCellValue(exportSheet, cell, header); err != nil {
			return nil, fmt.Errorf("leads: header %s: %w", cell, err)
		}
		if err := f.SetCellStyle(exportSheet, cell, cell, headerStyle); err != nil {
			return nil, fmt.Errorf("leads: header style %s: %w", cell, err)
		}
	}

	for i, lead := range leads {
		values := []any{
			lead.ID, lead.Name, lead.Email, lead.Phone, lead.NationalID, string(lead.Stage),
			lead.EvaluationID, lead.ExternalPatientID, lead.Origin, lead.UTMSource,
			lead.UTMMedium, lead.UTMCampaign, lead.CreatedAt.Format("2006-01-02 15:04"),
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return nil, err
		}
		if err := f.SetSheetRow(exportSheet, cell, &values); err != nil {
			return nil, fmt.Errorf("leads: row %d: %w", i+2, err)
		}
	}

	if err := f.SetPanes(exportSheet, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	}); err != nil {
		return nil, fmt.Errorf("leads: freeze header: %w", err)
	}

	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("leads: write xlsx: %w", err)
	}
	return buf.Bytes(), nil
}
