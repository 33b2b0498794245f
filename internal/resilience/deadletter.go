package resilience

import (
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/rotisserie/eris"
)

// Error classes recorded on dead letters.
const (
	ClassTransient = "transient"
	ClassPermanent = "permanent"
)

// DeadLetter is a submission that could not be processed, kept so it can be
// inspected and replayed.
type DeadLetter struct {
	Line           int             `json:"line"`
	ReclaimProofID string          `json:"reclaim_proof_id,omitempty"`
	Raw            json.RawMessage `json:"raw,omitempty"`
	Error          string          `json:"error"`
	ErrorClass     string          `json:"error_class"`
	FailedAt       time.Time       `json:"failed_at"`
}

// Classify returns ClassTransient for errors worth replaying unchanged and
// ClassPermanent otherwise.
func Classify(err error) string {
	if IsTransient(err) {
		return ClassTransient
	}
	return ClassPermanent
}

// DeadLetterWriter appends dead letters to w as JSON lines. It is safe for
// concurrent use.
type DeadLetterWriter struct {
	mu  sync.Mutex
	enc *json.Encoder
	now func() time.Time
	n   int
}

// NewDeadLetterWriter returns a writer that encodes to w.
func NewDeadLetterWriter(w io.Writer) *DeadLetterWriter {
	return &DeadLetterWriter{enc: json.NewEncoder(w), now: time.Now}
}

// Record writes one dead letter for err. raw is kept only if it is valid JSON.
func (d *DeadLetterWriter) Record(line int, reclaimProofID string, raw []byte, err error) error {
	dl := DeadLetter{
		Line:           line,
		ReclaimProofID: reclaimProofID,
		Error:          err.Error(),
		ErrorClass:     Classify(err),
	}
	if json.Valid(raw) {
		dl.Raw = append(json.RawMessage(nil), raw...)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	dl.FailedAt = d.now().UTC()
	if encErr := d.enc.Encode(dl); encErr != nil {
		return eris.Wrap(encErr, "resilience: write dead letter")
	}
	d.n++
	return nil
}

// Count returns the number of dead letters written.
func (d *DeadLetterWriter) Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.n
}
