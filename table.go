package main

import (
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/hannes/policylens/pipeline"
)

type columnAlignment int

const (
	alignLeft columnAlignment = iota
	alignRight
)

func renderTable(headers []string, rows [][]string, aligns []columnAlignment) string {
	columns := len(headers)
	if columns == 0 {
		return ""
	}

	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)

	header := make(table.Row, columns)
	for i, h := range headers {
		header[i] = h
	}
	tw.AppendHeader(header)

	for _, row := range rows {
		r := make(table.Row, columns)
		for i := range columns {
			if i < len(row) {
				r[i] = row[i]
			} else {
				r[i] = ""
			}
		}
		tw.AppendRow(r)
	}

	configs := make([]table.ColumnConfig, 0, columns)
	for i := range columns {
		align := text.AlignLeft
		if i < len(aligns) && aligns[i] == alignRight {
			align = text.AlignRight
		}
		configs = append(configs, table.ColumnConfig{
			Number:      i + 1,
			Align:       align,
			AlignHeader: text.AlignLeft,
			WidthMax:    60,
		})
	}
	tw.SetColumnConfigs(configs)

	return tw.Render()
}

func detailHeaders(thirdParty bool) []string {
	h := []string{"Information", "Span", "Purpose", "Sentence"}
	if thirdParty {
		h = append(h[:3:3], "Third party", "Sentence")
	}
	return h
}

// detailRows flattens attribute groups into one row per detail.
func detailRows(groups []pipeline.AttributeGroup, thirdParty bool) [][]string {
	var rows [][]string
	for _, g := range groups {
		for _, d := range g.Details {
			row := []string{g.Attribute, d.Span, d.Purpose.Value}
			if thirdParty {
				tpe := ""
				if d.ThirdPartyEntity != nil {
					tpe = d.ThirdPartyEntity.Value
				}
				row = append(row, tpe)
			}
			rows = append(rows, append(row, d.Sentence))
		}
	}
	return rows
}
