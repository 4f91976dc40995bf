package export

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"unicode"

	"github.com/klauspost/compress/zip"
	"github.com/wolfeidau/tablepipe/internal/models"
	"github.com/xuri/excelize/v2"
)

var separator = strings.Repeat("=", 50)

// Artifact is an encoded export.
type Artifact struct {
	Data        []byte
	ContentType string
	Ext         string
}

type encoding struct {
	contentType string
	ext         string
	encode      func(*Document) ([]byte, error)
}

var formats = map[models.ExportFormat]encoding{
	models.ExportFormatJSON: {"application/json", "json", encodeJSON},
	models.ExportFormatTXT:  {"text/plain; charset=utf-8", "txt", func(d *Document) ([]byte, error) { return encodeTXT(d), nil }},
	models.ExportFormatZIP:  {"application/zip", "zip", encodeZIP},
	models.ExportFormatXLSX: {"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", "xlsx", encodeXLSX},
}

// Encode renders doc in the requested format.
func Encode(doc *Document, format models.ExportFormat) (*Artifact, error) {
	f, ok := formats[format]
	if !ok {
		return nil, fmt.Errorf("unsupported export format %q", format)
	}
	data, err := f.encode(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s export: %w", format, err)
	}
	return &Artifact{Data: data, ContentType: f.contentType, Ext: f.ext}, nil
}

// FileName is the download name of an export, derived from the project name.
func FileName(projectName, ext string) string {
	return exportStem(projectName) + "." + ext
}

func exportStem(projectName string) string {
	return safeName(projectName, "project") + "_export"
}

// safeName reduces a user supplied name to a single archive path element.
func safeName(name, fallback string) string {
	name = path.Base(strings.ReplaceAll(strings.TrimSpace(name), "\\", "/"))
	name = strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' || r == '_' || r == '.' {
			return r
		}
		return '_'
	}, name)
	name = strings.Trim(name, "._")
	if name == "" {
		return fallback
	}
	return name
}

func encodeJSON(doc *Document) ([]byte, error) {
	return json.MarshalIndent(doc, "", "  ")
}

// encodeTXT writes only the human-edited narrative of each table.
func encodeTXT(doc *Document) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "Table description export\n")
	fmt.Fprintf(&b, "Project: %s\n", doc.Project.Name)
	fmt.Fprintf(&b, "Generated: %s\n", doc.GeneratedAt.UTC().Format("2006-01-02T15:04:05Z"))
	b.WriteString(separator + "\n\n")

	for _, f := range doc.Files {
		fmt.Fprintf(&b, "File: %s\n", f.Name)
		fmt.Fprintf(&b, "File ID: %s\n", f.FileID)
		b.WriteString(strings.Repeat("-", 30) + "\n")

		for _, t := range f.Tables {
			fmt.Fprintf(&b, "\nTable ID: %s\n", t.TableID)
			fmt.Fprintf(&b, "Page: %d\n", t.Page)
			if t.HumanEdit != nil {
				b.WriteString("\n")
				b.WriteString(t.HumanEdit.Text)
				b.WriteString("\n")
			}
			b.WriteString("\n" + separator + "\n")
		}
	}
	return b.Bytes()
}

// encodeZIP bundles the JSON and text exports with one JSON file per table.
func encodeZIP(doc *Document) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	add := func(name string, data []byte) error {
		w, err := zw.Create(name)
		if err != nil {
			return fmt.Errorf("failed to add %s: %w", name, err)
		}
		_, err = w.Write(data)
		return err
	}

	base := exportStem(doc.Project.Name)

	js, err := encodeJSON(doc)
	if err != nil {
		return nil, err
	}
	if err := add(base+".json", js); err != nil {
		return nil, err
	}
	if err := add(base+".txt", encodeTXT(doc)); err != nil {
		return nil, err
	}

	// the file id keeps entries apart when two uploads share a name
	for _, f := range doc.Files {
		stem := safeName(strings.TrimSuffix(path.Base(f.Name), ".pdf"), "file") + "_" + f.FileID.String()
		for i, t := range f.Tables {
			data, err := json.MarshalIndent(t, "", "  ")
			if err != nil {
				return nil, err
			}
			name := fmt.Sprintf("tables/%s_table_%d_page_%d.json", stem, i+1, t.Page)
			if err := add(name, data); err != nil {
				return nil, err
			}
		}
	}

	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize zip: %w", err)
	}
	return buf.Bytes(), nil
}

var xlsxHeaders = []string{
	"File",
	"Page",
	"Table ID",
	"Task ID",
	"Model",
	"AI Draft",
	"Human Edit",
	"Verdict",
	"Reviewer",
	"Completed At",
}

// encodeXLSX writes one row per exported task.
func encodeXLSX(doc *Document) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	const sheet = "Tasks"
	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		return nil, err
	}

	set := func(col, row int, v any) error {
		cell, err := excelize.CoordinatesToCellName(col, row)
		if err != nil {
			return err
		}
		return f.SetCellValue(sheet, cell, v)
	}

	for i, h := range xlsxHeaders {
		if err := set(i+1, 1, h); err != nil {
			return nil, err
		}
	}

	row := 2
	for _, file := range doc.Files {
		for _, t := range file.Tables {
			values := map[int]any{
				1:  file.Name,
				2:  t.Page,
				3:  t.TableID.String(),
				4:  t.TaskID.String(),
				10: t.CompletedAt.UTC().Format("2006-01-02 15:04:05"),
			}
			if t.AIDraft != nil {
				values[5] = t.AIDraft.Model
				values[6] = t.AIDraft.Text
			}
			if t.HumanEdit != nil {
				values[7] = t.HumanEdit.Text
			}
			if t.QAResult != nil {
				values[8] = string(t.QAResult.Verdict)
				values[9] = t.QAResult.Reviewer
			}
			for col, v := range values {
				if err := set(col, row, v); err != nil {
					return nil, fmt.Errorf("xlsx row %d: %w", row, err)
				}
			}
			row++
		}
	}

	for _, w := range []struct {
		from, to string
		width    float64
	}{
		{"A", "A", 24},
		{"C", "D", 38},
		{"F", "G", 60},
		{"J", "J", 20},
	} {
		if err := f.SetColWidth(sheet, w.from, w.to, w.width); err != nil {
			return nil, err
		}
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}
	return buf.Bytes(), nil
}
