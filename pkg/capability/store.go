package capability

import (
	"encoding/hex"
	"fmt"
	"os"

	"github.com/objectfs/pvfs2client/pkg/utils"
)

// keyFileName is the per-fs_id HMAC key file under a client's key
// directory (internal/config's CapabilityConfig.KeyDir).
func keyFileName(fsid uint32) string {
	return fmt.Sprintf("fs-%d.key", fsid)
}

// LoadHMACKey reads the hex-encoded HMAC key persisted for fsid under
// keyDir, validating the resolved path stays within keyDir before opening
// it (spec.md §6's capability client state lives in a per-user directory
// a hostile fs_id or config value must not escape).
func LoadHMACKey(keyDir string, fsid uint32) (HMACKey, error) {
	path, err := utils.SecureJoin(keyDir, keyFileName(fsid))
	if err != nil {
		return HMACKey{}, fmt.Errorf("resolve key path: %w", err)
	}

	encoded, err := os.ReadFile(path)
	if err != nil {
		return HMACKey{}, fmt.Errorf("read capability key: %w", err)
	}

	secret, err := hex.DecodeString(string(encoded))
	if err != nil {
		return HMACKey{}, fmt.Errorf("decode capability key: %w", err)
	}
	return HMACKey{Secret: secret}, nil
}

// SaveHMACKey persists key's secret, hex-encoded, under keyDir for fsid,
// creating keyDir if it doesn't already exist.
func SaveHMACKey(keyDir string, fsid uint32, key HMACKey) error {
	if err := utils.ValidatePath(keyDir, true); err != nil {
		return fmt.Errorf("invalid key directory: %w", err)
	}
	if err := os.MkdirAll(keyDir, 0700); err != nil {
		return fmt.Errorf("create key directory: %w", err)
	}

	path, err := utils.SecureJoin(keyDir, keyFileName(fsid))
	if err != nil {
		return fmt.Errorf("resolve key path: %w", err)
	}

	encoded := hex.EncodeToString(key.Secret)
	if err := os.WriteFile(path, []byte(encoded), 0600); err != nil {
		return fmt.Errorf("write capability key: %w", err)
	}
	return nil
}
