// Package model holds the wire and in-memory data types shared across the
// session launcher: requests and responses decoded from the request queue,
// live sessions, and the append-only terminated-session history.
package model

import (
	"time"

	"github.com/google/uuid"
)

// RequestStatus mirrors the full status space the original queue/HTTP layer
// uses. The launch pipeline itself only ever produces Completed, Failed, and
// SlotFull; the rest are reserved for callers outside the core.
type RequestStatus string

const (
	StatusPending    RequestStatus = "pending"
	StatusAccepted   RequestStatus = "accepted"
	StatusRejected   RequestStatus = "rejected"
	StatusProcessing RequestStatus = "processing"
	StatusCompleted  RequestStatus = "completed"
	StatusFailed     RequestStatus = "failed"
	StatusSlotFull   RequestStatus = "slot_full"
)

// Action distinguishes a launch request from a delete request.
type Action string

const (
	ActionLaunch Action = "launch"
	ActionDelete Action = "delete"
)

// TerminationReason enumerates every way a session can end.
type TerminationReason string

const (
	ReasonExpired        TerminationReason = "expired"
	ReasonHardTTLExceeded TerminationReason = "hard_ttl_exceeded"
	ReasonCrashed        TerminationReason = "crashed"
	ReasonClosed         TerminationReason = "closed"
	ReasonNeverUsed      TerminationReason = "never_used"
	ReasonDeleteAction   TerminationReason = "delete_action"
	ReasonKilled         TerminationReason = "killed"
	ReasonShutdown       TerminationReason = "shutdown"
)

// ProxyConfig is the optional per-session proxy the caller requests.
type ProxyConfig struct {
	Server      string `json:"server,omitempty"`
	BypassList  string `json:"bypass_list,omitempty"`
}

// Request is decoded from a queue message body. Unknown fields are tolerated
// by the JSON decoder (the struct simply ignores them).
type Request struct {
	ID           string       `json:"id"`
	SessionID    string       `json:"session_id,omitempty"`
	RequesterID  string       `json:"requester_id"`
	Action       Action       `json:"action,omitempty"`
	UserDataDir  string       `json:"user_data_dir,omitempty"`
	ProfileName  string       `json:"profile_name,omitempty"`
	ProxyConfig  *ProxyConfig `json:"proxy_config,omitempty"`
	Extensions   []string     `json:"extensions,omitempty"`
	ChromeArgs   []string     `json:"chrome_args,omitempty"`
	TTLMinutes   int          `json:"ttl_minutes,omitempty"`
	CreatedAt    time.Time    `json:"created_at,omitempty"`
}

// Response is what the launch pipeline (or a delete action) hands back.
type Response struct {
	Status        RequestStatus `json:"status"`
	WorkerID      string        `json:"worker_id"`
	MachineIP     string        `json:"machine_ip"`
	DebugPort     int           `json:"debug_port"`
	SessionID     string        `json:"session_id,omitempty"`
	RequesterID   string        `json:"requester_id,omitempty"`
	WebsocketURL  string        `json:"websocket_url,omitempty"`
	DebugURL      string        `json:"debug_url,omitempty"`
	ProxyConfig   *ProxyConfig  `json:"proxy_config,omitempty"`
	TTLMinutes    int           `json:"ttl_minutes,omitempty"`
	ExpiresAt     *time.Time    `json:"expires_at,omitempty"`
	ErrorMessage  string        `json:"error_message,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
}

// Session is one live browser instance.
type Session struct {
	WorkerID          string
	SessionID         string
	RequestID         string
	MachineIP         string
	DebugPort         int
	ProcessID         int
	ProcessCreateTime float64 // unix seconds with fractional part; 0 means unknown
	UserDataDir       string
	CreatedAt         time.Time
	ExpiresAt         time.Time
	WebsocketURL      string
	DebugURL          string
	HasNavigatedAway  bool
	LastActivityAt    time.Time

	// Process is the live handle used to poll/terminate the OS process. It is
	// never serialized; snapshot copies (sessionstore.SnapshotActive) share
	// the same handle, which is how the cleanup sweep polls the process.
	Process ProcessHandle `json:"-"`
}

// ProcessHandle abstracts over the two ways a launched Chromium can be
// supervised: a directly-spawned *os/exec.Cmd or a PID discovered through a
// delegated launcher script. See internal/procsupervisor.
type ProcessHandle interface {
	PID() int
	CreateTime() (float64, error)
	Poll() (exited bool, exitCode int)
	Terminate() error
	Kill() error
}

// TerminatedSessionRecord is one entry in the bounded terminated-session ring.
type TerminatedSessionRecord struct {
	WorkerID               string
	RequestID              string
	MachineIP              string
	DebugPort              int
	ProcessID              int
	TerminationTime        time.Time
	TerminationReason      TerminationReason
	ExitCode               *int
	SessionDurationSeconds float64
}

// NewWorkerID returns a fresh worker identifier.
func NewWorkerID() string { return uuid.NewString() }

// NewSessionID returns a fresh session identifier.
func NewSessionID() string { return uuid.NewString() }
