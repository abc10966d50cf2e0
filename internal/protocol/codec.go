package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// DecodeError describes a frame the codec could not turn into a legal
// request. RequestID carries the client id when it was parseable so the
// gateway can echo it in the INVALID_REQUEST response.
type DecodeError struct {
	Reason    string
	RequestID string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("protocol: %s", e.Reason)
}

var knownActions = map[string]struct{}{
	ActionAuthenticate:          {},
	ActionPing:                  {},
	ActionListScanners:          {},
	ActionSelectScanner:         {},
	ActionGetCapabilities:       {},
	ActionGetDeviceCapabilities: {},
	ActionApplyDeviceSettings:   {},
	ActionScan:                  {},
	ActionStopScan:              {},
}

// Decode parses one text frame into a Request. Settings blocks start from
// the documented defaults so absent fields keep their default values.
func Decode(data []byte) (*Request, error) {
	// Pre-pass: recover the requestId even when the rest is unusable.
	var probe struct {
		Action    string `json:"action"`
		RequestID string `json:"requestId"`
	}
	_ = json.Unmarshal(data, &probe)

	req := Request{}
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, &DecodeError{Reason: fmt.Sprintf("malformed frame: %v", err), RequestID: probe.RequestID}
	}
	if req.Action == "" {
		return nil, &DecodeError{Reason: "missing action", RequestID: req.RequestID}
	}
	if _, ok := knownActions[req.Action]; !ok {
		return nil, &DecodeError{Reason: fmt.Sprintf("unknown action %q", req.Action), RequestID: req.RequestID}
	}

	if req.Settings != nil {
		merged := DefaultScanSettings()
		if err := json.Unmarshal(data, &struct {
			Settings *ScanSettings `json:"settings"`
		}{Settings: &merged}); err != nil {
			return nil, &DecodeError{Reason: fmt.Sprintf("malformed settings: %v", err), RequestID: req.RequestID}
		}
		req.Settings = &merged
	}

	return &req, nil
}

// Encode serializes a response, stamping the timestamp when unset.
func Encode(resp Response) ([]byte, error) {
	if resp.Timestamp.IsZero() {
		resp.Timestamp = time.Now().UTC()
	} else {
		resp.Timestamp = resp.Timestamp.UTC()
	}
	return json.Marshal(resp)
}
