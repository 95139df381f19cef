package sessiondb

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestInsertQuery(t *testing.T) {
	assert.Equal(t, "INSERT INTO runs VALUES (?, ?, ?)", insertQuery("runs", 3))
	assert.Equal(t, "INSERT INTO x VALUES (?)", insertQuery("x", 1))
}

func TestNewID(t *testing.T) {
	a := NewID()
	b := NewID()
	assert.Len(t, a, 26)
	assert.NotEqual(t, a, b)
}

func TestDummyRecordsNothing(t *testing.T) {
	db := Dummy()
	assert.False(t, db.IsConnected())
	// None of these may block or panic on a dummy connection.
	run := &RunMessage{ID: NewID(), Source: "DMA"}
	db.RecordRun(run)
	db.RecordContinuityFailure(&ContinuityMessage{RunID: run.ID, Board: 1, Expected: 5, Observed: 7})
	db.RecordSkew(&SkewMessage{RunID: run.ID, Reports: 10})
	db.FinishRun(run)
	assert.True(t, run.End.IsZero(), "FinishRun on a dummy connection set the end time")
	db.Wait()

	var nilDB *Connection
	assert.False(t, nilDB.IsConnected())
	nilDB.RecordRun(run)
}

func TestStartWithoutServer(t *testing.T) {
	abort := make(chan struct{})
	defer close(abort)
	session := &SessionMessage{ID: NewID(), Start: time.Now()}
	// Nothing listens on port 1, so the connection must report an error and stay idle.
	db := Start("127.0.0.1:1", session, abort)
	assert.False(t, db.IsConnected())
	assert.Error(t, db.Err())
	db.RecordSkew(&SkewMessage{RunID: "x"})
	db.Wait()
}
