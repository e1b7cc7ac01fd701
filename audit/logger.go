package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/tomyedwab/orbd/types"
)

// EventType represents the type of activation event
type EventType string

const (
	EventActivate     EventType = "activate"
	EventRegister     EventType = "register"
	EventEndpoints    EventType = "endpoints"
	EventShutdown     EventType = "shutdown"
	EventInstall      EventType = "install"
	EventUninstall    EventType = "uninstall"
	EventHeldDown     EventType = "held_down"
	EventInvalidated  EventType = "invalidated"
	EventUnregistered EventType = "unregistered"
)

// Event represents an activation log entry in the database
type Event struct {
	ID               string `db:"id" json:"id"`
	EventType        string `db:"event_type" json:"event_type"`
	Timestamp        int64  `db:"timestamp" json:"timestamp"` // Unix milliseconds
	ServerID         int    `db:"server_id" json:"server_id"`
	PID              *int   `db:"pid" json:"pid,omitempty"` // Nullable for events without a process
	ORBID            string `db:"orb_id" json:"orb_id,omitempty"`
	TokenFingerprint string `db:"token_fingerprint" json:"token_fingerprint,omitempty"`
	Detail           string `db:"detail" json:"detail,omitempty"`
}

// Logger records the lifecycle of managed servers
type Logger struct {
	db *sqlx.DB
}

// NewLogger creates a new activation event logger
func NewLogger(db *sqlx.DB) (*Logger, error) {
	if err := DBInit(db); err != nil {
		return nil, err
	}
	return &Logger{
		db: db,
	}, nil
}

// DBInit initializes the activation events table
func DBInit(db *sqlx.DB) error {
	_, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS activation_events (
		id TEXT PRIMARY KEY,
		event_type TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		server_id INTEGER NOT NULL,
		pid INTEGER,
		orb_id TEXT NOT NULL DEFAULT '',
		token_fingerprint TEXT NOT NULL DEFAULT '',
		detail TEXT NOT NULL DEFAULT ''
	)
	`)
	if err != nil {
		return err
	}

	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_activation_events_timestamp ON activation_events(timestamp)`)
	if err != nil {
		return err
	}

	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_activation_events_server_id ON activation_events(server_id)`)
	if err != nil {
		return err
	}

	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_activation_events_event_type ON activation_events(event_type)`)
	return err
}

// tokenFingerprint hashes an activation token so its use can be traced
// without storing it
func tokenFingerprint(token string) string {
	if token == "" {
		return ""
	}
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}

func newEvent(eventType EventType, serverID types.ServerID) *Event {
	return &Event{
		ID:        uuid.New().String(),
		EventType: string(eventType),
		Timestamp: time.Now().UTC().UnixMilli(),
		ServerID:  int(serverID),
	}
}

func (l *Logger) insertEvent(event *Event) error {
	_, err := l.db.Exec(`
		INSERT INTO activation_events (
			id, event_type, timestamp, server_id, pid, orb_id, token_fingerprint, detail
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		event.ID,
		event.EventType,
		event.Timestamp,
		event.ServerID,
		event.PID,
		event.ORBID,
		event.TokenFingerprint,
		event.Detail,
	)
	return err
}

// LogActivate logs a process spawned for a server
func (l *Logger) LogActivate(serverID types.ServerID, pid int, activationToken string) error {
	event := newEvent(EventActivate, serverID)
	event.PID = &pid
	event.TokenFingerprint = tokenFingerprint(activationToken)
	return l.insertEvent(event)
}

// LogRegister logs a spawned process announcing itself
func (l *Logger) LogRegister(serverID types.ServerID, activationToken string) error {
	event := newEvent(EventRegister, serverID)
	event.TokenFingerprint = tokenFingerprint(activationToken)
	return l.insertEvent(event)
}

// LogEndpoints logs the endpoints an ORB published
func (l *Logger) LogEndpoints(serverID types.ServerID, orbID types.ORBID, endpoints []types.EndPointInfo) error {
	event := newEvent(EventEndpoints, serverID)
	event.ORBID = string(orbID)
	event.Detail = formatEndpoints(endpoints)
	return l.insertEvent(event)
}

// LogShutdown logs an explicit server shutdown
func (l *Logger) LogShutdown(serverID types.ServerID) error {
	return l.insertEvent(newEvent(EventShutdown, serverID))
}

// LogInstall logs a server being installed
func (l *Logger) LogInstall(serverID types.ServerID) error {
	return l.insertEvent(newEvent(EventInstall, serverID))
}

// LogUninstall logs a server being uninstalled
func (l *Logger) LogUninstall(serverID types.ServerID) error {
	return l.insertEvent(newEvent(EventUninstall, serverID))
}

// LogUnregistered logs a server definition being dropped
func (l *Logger) LogUnregistered(serverID types.ServerID) error {
	return l.insertEvent(newEvent(EventUnregistered, serverID))
}

// LogHeldDown logs a server entering the held-down state
func (l *Logger) LogHeldDown(serverID types.ServerID, reason string) error {
	event := newEvent(EventHeldDown, serverID)
	event.Detail = reason
	return l.insertEvent(event)
}

// LogInvalidated logs the liveness monitor discarding a dead server
func (l *Logger) LogInvalidated(serverID types.ServerID) error {
	return l.insertEvent(newEvent(EventInvalidated, serverID))
}

// GetEventsByServerID retrieves events for a specific server
func (l *Logger) GetEventsByServerID(serverID types.ServerID, limit int) ([]Event, error) {
	var events []Event
	err := l.db.Select(&events,
		"SELECT * FROM activation_events WHERE server_id = $1 ORDER BY timestamp DESC, rowid DESC LIMIT $2",
		int(serverID), limit)
	return events, err
}

// GetEventsByType retrieves events of a specific type
func (l *Logger) GetEventsByType(eventType EventType, limit int) ([]Event, error) {
	var events []Event
	err := l.db.Select(&events,
		"SELECT * FROM activation_events WHERE event_type = $1 ORDER BY timestamp DESC, rowid DESC LIMIT $2",
		string(eventType), limit)
	return events, err
}

// GetRecentEvents retrieves the most recent events
func (l *Logger) GetRecentEvents(limit int) ([]Event, error) {
	var events []Event
	err := l.db.Select(&events,
		"SELECT * FROM activation_events ORDER BY timestamp DESC, rowid DESC LIMIT $1",
		limit)
	return events, err
}

// DeleteOldEvents deletes events older than the specified duration
func (l *Logger) DeleteOldEvents(olderThan time.Duration) (int64, error) {
	threshold := time.Now().UTC().Add(-olderThan).UnixMilli()
	result, err := l.db.Exec("DELETE FROM activation_events WHERE timestamp < $1", threshold)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func formatEndpoints(endpoints []types.EndPointInfo) string {
	parts := make([]string, len(endpoints))
	for i, ep := range endpoints {
		parts[i] = ep.EndpointType + ":" + strconv.Itoa(ep.Port)
	}
	return strings.Join(parts, ",")
}
