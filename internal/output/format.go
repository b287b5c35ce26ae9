package output

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/ratchetd/ratchet/internal/domain"
)

// formatOutput renders the execution output in the requested format.
func formatOutput(format string, output json.RawMessage, tctx TemplateContext, template string) ([]byte, error) {
	if len(output) == 0 {
		output = json.RawMessage("null")
	}

	switch format {
	case "", FormatJSON:
		var doc any
		if err := json.Unmarshal(output, &doc); err != nil {
			return nil, domain.Wrap(domain.KindInternal, err, "output is not valid JSON")
		}
		return json.MarshalIndent(doc, "", "  ")

	case FormatJSONCompact:
		var buf bytes.Buffer
		if err := json.Compact(&buf, output); err != nil {
			return nil, domain.Wrap(domain.KindInternal, err, "output is not valid JSON")
		}
		return buf.Bytes(), nil

	case FormatYAML:
		var doc any
		if err := json.Unmarshal(output, &doc); err != nil {
			return nil, domain.Wrap(domain.KindInternal, err, "output is not valid JSON")
		}
		return yaml.Marshal(doc)

	case FormatCSV:
		return formatCSV(output)

	case FormatRaw:
		return output, nil

	case FormatTemplate:
		return []byte(tctx.Render(template)), nil

	default:
		return nil, domain.E(domain.KindValidation, "unknown output format %q", format)
	}
}

// formatCSV renders an array of flat objects (or a single object) as a
// header row plus value rows. Columns are the sorted union of keys.
func formatCSV(output json.RawMessage) ([]byte, error) {
	var rows []map[string]any
	if err := json.Unmarshal(output, &rows); err != nil {
		var single map[string]any
		if err := json.Unmarshal(output, &single); err != nil {
			return nil, domain.E(domain.KindValidation, "csv format needs an object or an array of objects")
		}
		rows = []map[string]any{single}
	}

	columns := map[string]struct{}{}
	for _, row := range rows {
		for k := range row {
			columns[k] = struct{}{}
		}
	}
	header := make([]string, 0, len(columns))
	for k := range columns {
		header = append(header, k)
	}
	sort.Strings(header)

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(header); err != nil {
		return nil, err
	}
	for _, row := range rows {
		record := make([]string, len(header))
		for i, col := range header {
			if v, ok := row[col]; ok && v != nil {
				record[i] = stringify(v)
			}
		}
		if err := w.Write(record); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

func stringify(v any) string {
	switch s := v.(type) {
	case string:
		return s
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(b)
	}
}
