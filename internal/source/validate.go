package source

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// applyDefaults normalizes enum casing and fills unset tunables.
func applyDefaults(src *Source) {
	src.Protocol = Protocol(strings.ToUpper(string(src.Protocol)))
	src.Target = Target(strings.ToUpper(string(src.Target)))

	if src.BatchSize == 0 {
		switch src.Target {
		case HEC:
			src.BatchSize = DefaultHECBatchSize
		default:
			src.BatchSize = DefaultFolderBatchSize
		}
	}
	if src.CompressionEnabled && src.CompressionLevel == 0 {
		src.CompressionLevel = DefaultCompressionLevel
	}
}

// validateStatic checks everything that needs no I/O. Target reachability is
// probed separately.
func validateStatic(src Source) error {
	if src.Name == "" {
		return fmt.Errorf("%w: name", ErrMissingField)
	}
	if src.PeerIP == "" {
		return fmt.Errorf("%w: peer_ip", ErrMissingField)
	}
	ip := net.ParseIP(src.PeerIP)
	if ip == nil || ip.To4() == nil || !strings.Contains(src.PeerIP, ".") {
		return fmt.Errorf("%w: %q", ErrInvalidIP, src.PeerIP)
	}
	if src.Port < 1 || src.Port > 65535 {
		return fmt.Errorf("%w: %d", ErrInvalidPort, src.Port)
	}
	if src.Protocol != UDP && src.Protocol != TCP {
		return fmt.Errorf("%w: %q", ErrInvalidProtocol, src.Protocol)
	}
	if src.BatchSize < 1 {
		return fmt.Errorf("%w: %d", ErrInvalidBatchSize, src.BatchSize)
	}

	switch src.Target {
	case Folder:
		if src.FolderPath == "" {
			return fmt.Errorf("%w: folder_path", ErrMissingField)
		}
		if src.CompressionEnabled && (src.CompressionLevel < 1 || src.CompressionLevel > 9) {
			return fmt.Errorf("%w: %d", ErrInvalidCompressionLevel, src.CompressionLevel)
		}
	case HEC:
		if src.HECURL == "" {
			return fmt.Errorf("%w: hec_url", ErrMissingField)
		}
		if src.HECToken == "" {
			return fmt.Errorf("%w: hec_token", ErrMissingField)
		}
	default:
		return fmt.Errorf("%w: %q", ErrInvalidTarget, src.Target)
	}
	return nil
}

// probeFolder verifies the directory exists (creating it if needed) and
// accepts a write-and-delete round trip.
func probeFolder(dir string) error {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("%w: %v", ErrPathUnwritable, err)
	}
	probe := filepath.Join(dir, ".write-check-"+uuid.NewString())
	if err := os.WriteFile(probe, []byte("ok"), 0o640); err != nil {
		return fmt.Errorf("%w: %v", ErrPathUnwritable, err)
	}
	if err := os.Remove(probe); err != nil {
		return fmt.Errorf("%w: %v", ErrPathUnwritable, err)
	}
	return nil
}
