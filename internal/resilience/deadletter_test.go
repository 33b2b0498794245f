package resilience

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	assert.Equal(t, ClassTransient, Classify(NewPersistenceError("upsert", errors.New("database is locked"))))
	assert.Equal(t, ClassPermanent, Classify(ErrUnknownDataType))
	assert.Equal(t, ClassPermanent, Classify(NewMalformedInput("userId", "required")))
}

func TestDeadLetterWriter_Record(t *testing.T) {
	var buf bytes.Buffer
	dw := NewDeadLetterWriter(&buf)
	dw.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }

	require.NoError(t, dw.Record(3, "rp-9", []byte(`{"dataType":"spotify"}`), ErrUnknownDataType))
	require.NoError(t, dw.Record(4, "", []byte("not json"), NewMalformedInput("line", "invalid JSON")))
	assert.Equal(t, 2, dw.Count())

	sc := bufio.NewScanner(&buf)
	var got []DeadLetter
	for sc.Scan() {
		var dl DeadLetter
		require.NoError(t, json.Unmarshal(sc.Bytes(), &dl))
		got = append(got, dl)
	}
	require.Len(t, got, 2)
	assert.Equal(t, 3, got[0].Line)
	assert.Equal(t, "rp-9", got[0].ReclaimProofID)
	assert.JSONEq(t, `{"dataType":"spotify"}`, string(got[0].Raw))
	assert.Equal(t, ClassPermanent, got[0].ErrorClass)
	assert.True(t, got[0].FailedAt.Equal(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)))
	assert.Empty(t, got[1].Raw)
}

func TestDeadLetterWriter_Concurrent(t *testing.T) {
	var buf bytes.Buffer
	dw := NewDeadLetterWriter(&buf)

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = dw.Record(i, "", nil, errors.New("boom"))
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, dw.Count())
	assert.Equal(t, 50, bytes.Count(buf.Bytes(), []byte("\n")))
}
