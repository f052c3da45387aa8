package source

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"strings"

	"github.com/ignite/ecommerce-ingest/internal/domain"
)

// readCSV parses one source's CSV stream into raw records. The first row is
// the header and maps columns to field names. LazyQuotes and the disabled
// field count mean malformed rows still parse into something; records with
// garbage fields get rejected (and counted) by validation rather than lost
// here. A mid-stream I/O failure fails the whole source so the caller can
// skip and count it.
func readCSV(r io.Reader, sourceName string, startOrdinal int) ([]domain.RawRecord, error) {
	reader := csv.NewReader(stripBOM(r))
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	header, err := reader.Read()
	if err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, fmt.Errorf("read header: %w", err)
	}
	for i, col := range header {
		header[i] = strings.ToLower(strings.TrimSpace(col))
	}

	var records []domain.RawRecord
	ordinal := startOrdinal
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read row %d: %w", ordinal-startOrdinal+2, err)
		}

		fields := make(map[string]string, len(header))
		for i, col := range header {
			if i < len(row) {
				fields[col] = row[i]
			}
		}
		records = append(records, domain.RawRecord{
			Fields:  fields,
			Source:  sourceName,
			Ordinal: ordinal,
		})
		ordinal++
	}
	return records, nil
}

// stripBOM wraps a reader to strip a UTF-8 BOM if present.
func stripBOM(r io.Reader) io.Reader {
	buf := make([]byte, 3)
	n, _ := io.ReadFull(r, buf)
	if n == 3 && buf[0] == 0xEF && buf[1] == 0xBB && buf[2] == 0xBF {
		return r
	}
	return io.MultiReader(bytes.NewReader(buf[:n]), r)
}
