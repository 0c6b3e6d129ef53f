// Package feeder supplies payload rows to scenario instances. Rows are loaded
// once per worker and a uniformly random row is drawn for every instance.
package feeder

import (
	"fmt"
	"math/rand"
	"sync"
	"time"
)

// Record represents a single row of data with named fields.
type Record map[string]string

// Sampler draws random rows from a fixed dataset and binds their cells to
// field names by position. It is safe for concurrent use.
type Sampler struct {
	fields []string
	rows   [][]string
	mu     sync.Mutex
	rnd    *rand.Rand
}

// NewSampler creates a sampler over rows. Rows shorter than fields leave the
// trailing fields unbound.
func NewSampler(fields []string, rows [][]string) (*Sampler, error) {
	if len(fields) == 0 {
		return nil, fmt.Errorf("sampler needs at least one field")
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("sampler needs at least one row")
	}
	return &Sampler{
		fields: append([]string(nil), fields...),
		rows:   rows,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// Next returns a randomly chosen row as a Record.
func (s *Sampler) Next() Record {
	s.mu.Lock()
	row := s.rows[s.rnd.Intn(len(s.rows))]
	s.mu.Unlock()

	record := make(Record, len(s.fields))
	for i, field := range s.fields {
		if i < len(row) {
			record[field] = row[i]
		}
	}
	return record
}

// Len returns the total number of rows in the dataset.
func (s *Sampler) Len() int {
	return len(s.rows)
}
