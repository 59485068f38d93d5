// Package identity generates replacement identifiers and writes them
// into data stores and the editor's storage.json.
package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/uuid"

	"github.com/statewipe/statewipe/internal/store"
)

// Labels under which the generated identifiers are stored.
const (
	LabelMachineID = "telemetry.machineId"
	LabelDeviceID  = "telemetry.devDeviceId"
	LabelSQMID     = "telemetry.sqmId"

	// Optional storage.json session fields, regenerated when present.
	LabelSessionID  = "telemetry.sessionId"
	LabelInstanceID = "telemetry.instanceId"
)

// Set holds the three identifiers minted for one execution: a 64-char
// hex machine ID and two v4 UUIDs, all from a CSPRNG.
type Set struct {
	MachineID string
	DeviceID  string
	SQMID     string
}

// NewSet mints a fresh identifier set.
func NewSet() (*Set, error) {
	machineID, err := hexToken(64)
	if err != nil {
		return nil, fmt.Errorf("failed to generate machine id: %w", err)
	}
	return &Set{
		MachineID: machineID,
		DeviceID:  uuid.NewString(),
		SQMID:     uuid.NewString(),
	}, nil
}

// Labels returns the label-to-value map for insertion and verification.
func (s *Set) Labels() map[string]string {
	return map[string]string{
		LabelMachineID: s.MachineID,
		LabelDeviceID:  s.DeviceID,
		LabelSQMID:     s.SQMID,
	}
}

// Result aggregates insertion across all data stores for one execution.
// On success InsertedCount == VerifiedCount == 3 * number of stores.
type Result struct {
	GeneratedIDs  map[string]string `json:"generated_ids"`
	InsertedCount int               `json:"inserted_count"`
	VerifiedCount int               `json:"verified_count"`
}

// VerificationError reports a stored identifier that does not match
// the generated value, which would leave the editor with inconsistent
// identifiers across stores.
type VerificationError struct {
	Path  string
	Label string
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("identifier %s in %s does not match generated value", e.Label, e.Path)
}

// Apply inserts the identifier set into an open transaction and reads
// each row back to confirm the stored value equals the generated one,
// guarding against silent truncation or encoding issues.
func Apply(ctx context.Context, coord *store.Coordinator, h *store.TxHandle, set *Set) (inserted, verified int, err error) {
	for label, value := range set.Labels() {
		if _, err := coord.Execute(ctx, h, store.InsertKeyValue(label, value)); err != nil {
			return inserted, verified, err
		}
		inserted++

		stored, ok, err := coord.QueryValue(ctx, h, label)
		if err != nil {
			return inserted, verified, err
		}
		if !ok || stored != value {
			return inserted, verified, &VerificationError{Path: h.Path, Label: label}
		}
		verified++
	}
	return inserted, verified, nil
}

// RewriteStorageJSON replaces the telemetry identifiers in a
// storage.json document with the generated set. Session and instance
// IDs are refreshed only when already present. The document must
// already be valid JSON.
func RewriteStorageJSON(path string, set *Set) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}

	var content map[string]any
	if err := json.Unmarshal(data, &content); err != nil {
		return fmt.Errorf("%s is not valid JSON: %w", path, err)
	}

	content[LabelMachineID] = set.MachineID
	content[LabelDeviceID] = set.DeviceID
	content[LabelSQMID] = set.SQMID
	if _, ok := content[LabelSessionID]; ok {
		content[LabelSessionID] = uuid.NewString()
	}
	if _, ok := content[LabelInstanceID]; ok {
		content[LabelInstanceID] = uuid.NewString()
	}

	out, err := json.MarshalIndent(content, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", path, err)
	}
	if err := os.WriteFile(path, out, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// hexToken returns a lowercase hex string of the given length from
// crypto/rand.
func hexToken(length int) (string, error) {
	if length%2 != 0 {
		return "", fmt.Errorf("hex token length must be even, got %d", length)
	}
	buf := make([]byte, length/2)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
