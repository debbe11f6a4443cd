package source

import (
	"errors"
	"time"
)

// Protocol is the transport a source sends on.
type Protocol string

const (
	UDP Protocol = "UDP"
	TCP Protocol = "TCP"
)

// Target selects where a source's batches are delivered.
type Target string

const (
	// Folder writes batches as files under a local directory.
	Folder Target = "FOLDER"
	// HEC posts batches to an HTTP Event Collector endpoint.
	HEC Target = "HEC"
)

// Default batch sizes per target type.
const (
	DefaultHECBatchSize    = 500
	DefaultFolderBatchSize = 5000
)

// DefaultCompressionLevel applies when compression is enabled without an
// explicit level. Batches are written once and rarely re-read, so the
// default favors the smallest output.
const DefaultCompressionLevel = 9

// Source describes one log sender: its admission identity (peer IP, port,
// protocol) and its delivery target.
type Source struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	PeerIP   string   `json:"peer_ip"`
	Port     int      `json:"port"`
	Protocol Protocol `json:"protocol"`
	Target   Target   `json:"target"`

	// Folder target settings.
	FolderPath         string `json:"folder_path,omitempty"`
	CompressionEnabled bool   `json:"compression_enabled,omitempty"`
	CompressionLevel   int    `json:"compression_level,omitempty"`

	// HEC target settings.
	HECURL   string `json:"hec_url,omitempty"`
	HECToken string `json:"hec_token,omitempty"`

	BatchSize int       `json:"batch_size"`
	Created   time.Time `json:"created"`
}

var (
	ErrNotFound                = errors.New("source not found")
	ErrMissingField            = errors.New("missing required field")
	ErrInvalidIP               = errors.New("peer IP must be a valid IPv4 address")
	ErrDuplicateIP             = errors.New("peer IP already assigned to another source")
	ErrInvalidPort             = errors.New("port must be between 1 and 65535")
	ErrInvalidProtocol         = errors.New("protocol must be UDP or TCP")
	ErrInvalidTarget           = errors.New("target must be FOLDER or HEC")
	ErrInvalidCompressionLevel = errors.New("compression level must be between 1 and 9")
	ErrInvalidBatchSize        = errors.New("batch size must be positive")
	ErrPathUnwritable          = errors.New("folder path is not writable")
	ErrTargetUnreachable       = errors.New("target endpoint check failed")
)
