// Package sessiondb records acquisition sessions, continuity failures and sync-skew
// summaries in a ClickHouse database. Every method is a no-op when the database is
// not connected.
package sessiondb

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/oklog/ulid/v2"
)

// Connection holds the ClickHouse connection and the channels that feed it.
type Connection struct {
	conn          clickhouse.Conn
	err           error
	session       *SessionMessage
	runmsg        chan *RunMessage
	continuitymsg chan *ContinuityMessage
	skewmsg       chan *SkewMessage
	sync.WaitGroup
}

const databaseName = "boardcount" // official SQL name of the database

const timeFormat = "2006-01-02 15:04:05.000000"

// NewID returns a new, lexically sortable row ID.
func NewID() string {
	return ulid.Make().String()
}

// IsConnected reports whether rows will be written.
func (db *Connection) IsConnected() bool {
	return (db != nil) && (db.conn != nil) && (db.err == nil)
}

// PingServer connects to the server and prints its version.
func PingServer(addr string) error {
	db := createConnection(addr)
	if !db.IsConnected() {
		return fmt.Errorf("database is not connected: %v", db.err)
	}
	v, err := db.conn.ServerVersion()
	if err != nil {
		return err
	}
	fmt.Printf("ClickHouse server is alive. Version:\n%s\n", v)
	return db.conn.Close()
}

// Start connects to the server at addr, records the session, and handles messages
// in a goroutine until abort is closed.
func Start(addr string, session *SessionMessage, abort <-chan struct{}) *Connection {
	db := createConnection(addr)
	db.session = session
	db.logSession()
	if db.IsConnected() {
		go db.handleConnection(abort)
	}
	return db
}

// Dummy returns a connection that records nothing.
func Dummy() *Connection {
	return &Connection{}
}

func createConnection(addr string) *Connection {
	db := &Connection{}
	auth := clickhouse.Auth{
		Database: databaseName,
		Username: os.Getenv("BOARDCOUNT_DB_USER"),
		Password: os.Getenv("BOARDCOUNT_DB_PASSWORD"),
	}
	client := clickhouse.ClientInfo{
		Products: []struct {
			Name    string
			Version string
		}{
			{Name: "boardcount", Version: "unknown"},
		},
	}
	opt := clickhouse.Options{
		Addr:        []string{addr},
		Auth:        auth,
		ClientInfo:  client,
		DialTimeout: 2 * time.Second,
	}
	conn, err := clickhouse.Open(&opt)
	if err != nil {
		db.err = err
		return db
	}

	if err = conn.Ping(context.Background()); err != nil {
		if exception, ok := err.(*clickhouse.Exception); ok {
			log.Printf("Exception [%d] %s \n%s\n", exception.Code, exception.Message, exception.StackTrace)
		}
		conn.Close()
		db.err = err
		return db
	}
	db.conn = conn
	db.Add(1)
	db.runmsg = make(chan *RunMessage)
	db.continuitymsg = make(chan *ContinuityMessage)
	db.skewmsg = make(chan *SkewMessage)
	return db
}

// Err returns the error that disconnected the database, if any.
func (db *Connection) Err() error {
	return db.err
}

func (db *Connection) insert(table string, args ...interface{}) {
	query := insertQuery(table, len(args))
	const nowait = false
	if err := db.conn.AsyncInsert(context.Background(), query, nowait, args...); err != nil {
		log.Printf("Error raised on AsyncInsert into %s: %v", table, err)
		db.err = err
	}
}

// insertQuery returns an INSERT statement for table with nargs placeholders.
func insertQuery(table string, nargs int) string {
	return fmt.Sprintf("INSERT INTO %s VALUES (%s)", table, strings.TrimSuffix(strings.Repeat("?, ", nargs), ", "))
}

func (db *Connection) logSession() {
	if !db.IsConnected() || db.session == nil {
		return
	}
	s := db.session
	db.insert("sessions", s.ID, s.Hostname, s.Githash, s.Version, s.GoVersion, s.CPUs,
		s.Start.Format(timeFormat), s.End.Format(timeFormat))
}

func (db *Connection) handleConnection(abort <-chan struct{}) {
	defer db.Done()
	for {
		select {
		case <-abort:
			db.disconnect()
			return
		case m := <-db.runmsg:
			db.insert("runs", m.ID, m.SessionID, m.Source, m.Boards, m.SampleRate,
				m.Start.Format(timeFormat), m.End.Format(timeFormat))
		case m := <-db.continuitymsg:
			db.insert("continuity", m.RunID, m.Board, m.Sample, m.Index, m.Expected, m.Observed,
				m.Time.Format(timeFormat))
		case m := <-db.skewmsg:
			db.insert("skew", m.RunID, m.Reports, m.Dropped, m.MeanSpread, m.StdSpread, m.WorstSpread,
				m.Time.Format(timeFormat))
		}
	}
}

func (db *Connection) disconnect() {
	if !db.IsConnected() {
		return
	}
	if db.session != nil {
		db.session.End = time.Now()
		db.logSession()
	}
	db.conn.Close()
}

// RecordRun stores a RunMessage. It blocks until the message is accepted, so that a
// run is entered before any row that refers to it.
func (db *Connection) RecordRun(msg *RunMessage) {
	if !db.IsConnected() || msg == nil {
		return
	}
	if msg.SessionID == "" && db.session != nil {
		msg.SessionID = db.session.ID
	}
	db.runmsg <- msg
}

// FinishRun stores the end time of a run.
func (db *Connection) FinishRun(msg *RunMessage) {
	if !db.IsConnected() || msg == nil {
		return
	}
	msg.End = time.Now()
	go func() { db.runmsg <- msg }()
}

// RecordContinuityFailure stores a ContinuityMessage without blocking.
func (db *Connection) RecordContinuityFailure(msg *ContinuityMessage) {
	if !db.IsConnected() || msg == nil {
		return
	}
	go func() { db.continuitymsg <- msg }()
}

// RecordSkew stores a SkewMessage without blocking.
func (db *Connection) RecordSkew(msg *SkewMessage) {
	if !db.IsConnected() || msg == nil {
		return
	}
	go func() { db.skewmsg <- msg }()
}
