package operator

import "encoding/json"

// OperatorData is the operator-owned state stored with each attempt.
// Known fields are typed; anything else an operator (or an older engine)
// wrote survives round-trips in Extra.
type OperatorData struct {
	// ConfigHash is the deterministic hash of the prepare-time config
	// snapshot.
	ConfigHash string `json:"config_hash,omitempty"`

	// RemoteWorkdir is where the backend ran the job.
	RemoteWorkdir string `json:"remote_workdir,omitempty"`

	// AttemptDir is the absolute attempt directory at prepare time.
	AttemptDir string `json:"attempt_dir,omitempty"`

	// OutputFiles maps collected output names to run-root-relative paths.
	OutputFiles map[string]string `json:"output_files,omitempty"`

	// OutputData is structured output merged in at collect time.
	OutputData map[string]any `json:"output_data,omitempty"`

	// Error records an operator-level failure detail.
	Error string `json:"error,omitempty"`

	// Extra preserves unknown fields byte-for-byte.
	Extra map[string]json.RawMessage `json:"-"`
}

// knownDataFields are the JSON keys owned by the typed fields above.
var knownDataFields = map[string]bool{
	"config_hash":    true,
	"remote_workdir": true,
	"attempt_dir":    true,
	"output_files":   true,
	"output_data":    true,
	"error":          true,
}

// MarshalJSON folds Extra back alongside the typed fields.
func (d OperatorData) MarshalJSON() ([]byte, error) {
	type alias OperatorData
	b, err := json.Marshal(alias(d))
	if err != nil {
		return nil, err
	}
	if len(d.Extra) == 0 {
		return b, nil
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	for k, v := range d.Extra {
		if !knownDataFields[k] {
			m[k] = v
		}
	}
	return json.Marshal(m)
}

// UnmarshalJSON captures unknown keys into Extra.
func (d *OperatorData) UnmarshalJSON(data []byte) error {
	type alias OperatorData
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	for k := range m {
		if knownDataFields[k] {
			delete(m, k)
		}
	}
	*d = OperatorData(a)
	if len(m) > 0 {
		d.Extra = m
	}
	return nil
}

// EncodeData serializes operator data for storage.
func EncodeData(d OperatorData) (string, error) {
	b, err := json.Marshal(d)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// DecodeData parses stored operator data. Empty input decodes to the zero
// value.
func DecodeData(s string) (OperatorData, error) {
	var d OperatorData
	if s == "" {
		return d, nil
	}
	if err := json.Unmarshal([]byte(s), &d); err != nil {
		return OperatorData{}, err
	}
	return d, nil
}
