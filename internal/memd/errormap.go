package memd

import "encoding/json"

// ErrorMapRetrySpec describes how the server error map says a status
// code should be retried: a backoff shape plus its timing constants.
type ErrorMapRetrySpec struct {
	Strategy    string // "constant", "linear", or "exponential"
	Interval    uint32 // milliseconds
	After       uint32 // milliseconds before the first retry
	MaxDuration uint32
}

// ErrorMapEntry is one status code's entry in the server's error map.
type ErrorMapEntry struct {
	Name        string
	Description string
	Attributes  []string
	Retry       *ErrorMapRetrySpec
}

// HasRetryAttribute reports whether the entry carries the
// "retry-now"/"retry-later" attribute the dispatcher uses to upgrade
// an otherwise-unknown status to ReasonKVErrorMapRetryIndicated.
func (e ErrorMapEntry) HasRetryAttribute() bool {
	for _, a := range e.Attributes {
		if a == "retry-now" || a == "retry-later" {
			return true
		}
	}
	return false
}

// wireErrorMap mirrors the server's error map JSON document.
type wireErrorMap struct {
	Version  uint16                       `json:"version"`
	Revision uint16                       `json:"revision"`
	Errors   map[string]wireErrorMapEntry `json:"errors"`
}

type wireErrorMapEntry struct {
	Name        string   `json:"name"`
	Description string   `json:"desc"`
	Attributes  []string `json:"attrs"`
	Retry       *struct {
		Strategy    string `json:"strategy"`
		Interval    uint32 `json:"interval"`
		After       uint32 `json:"after"`
		MaxDuration uint32 `json:"max-duration"`
	} `json:"retry,omitempty"`
}

// ErrorMap is the parsed server error map, keyed by status code. It
// is downloaded once per session after HELLO.
type ErrorMap struct {
	Version  uint16
	Revision uint16
	entries  map[Status]ErrorMapEntry
}

// ParseErrorMap decodes the server's GET_ERROR_MAP response body.
func ParseErrorMap(data []byte) (*ErrorMap, error) {
	var wm wireErrorMap
	if err := json.Unmarshal(data, &wm); err != nil {
		return nil, err
	}

	em := &ErrorMap{
		Version:  wm.Version,
		Revision: wm.Revision,
		entries:  make(map[Status]ErrorMapEntry, len(wm.Errors)),
	}
	for hexCode, e := range wm.Errors {
		var code uint64
		for _, c := range hexCode {
			code <<= 4
			switch {
			case c >= '0' && c <= '9':
				code |= uint64(c - '0')
			case c >= 'a' && c <= 'f':
				code |= uint64(c-'a') + 10
			case c >= 'A' && c <= 'F':
				code |= uint64(c-'A') + 10
			}
		}

		entry := ErrorMapEntry{Name: e.Name, Description: e.Description, Attributes: e.Attributes}
		if e.Retry != nil {
			entry.Retry = &ErrorMapRetrySpec{
				Strategy:    e.Retry.Strategy,
				Interval:    e.Retry.Interval,
				After:       e.Retry.After,
				MaxDuration: e.Retry.MaxDuration,
			}
		}
		em.entries[Status(code)] = entry
	}
	return em, nil
}

// Lookup returns the entry for status, if the map has one.
func (em *ErrorMap) Lookup(status Status) (ErrorMapEntry, bool) {
	if em == nil {
		return ErrorMapEntry{}, false
	}
	e, ok := em.entries[status]
	return e, ok
}
