package feeder

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Load reads rows from a CSV file, or from a JSON file holding an array of
// arrays when the extension is .json.
func Load(path string) ([][]string, error) {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return LoadJSON(path)
	}
	return LoadCSV(path)
}

// LoadCSV reads every row of a headerless CSV file. Rows may have differing
// lengths; fields are bound by position.
func LoadCSV(path string) ([][]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open CSV file: %w", err)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	rows, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read CSV: %w", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("CSV file is empty")
	}
	return rows, nil
}

// LoadJSON reads a JSON array of arrays. Scalar cells are converted to
// strings.
func LoadJSON(path string) ([][]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("open JSON file: %w", err)
	}

	var raw [][]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode JSON: %w", err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("JSON file contains empty array")
	}

	rows := make([][]string, 0, len(raw))
	for _, cells := range raw {
		row := make([]string, len(cells))
		for j, cell := range cells {
			if cell != nil {
				row[j] = fmt.Sprintf("%v", cell)
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}
