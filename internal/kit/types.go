package kit

import "time"

// PhoneTarget is one normalized phone destination within a row.
// Never mutated after creation.
type PhoneTarget struct {
	// Phone is E.164 digits without the leading "+" (e.g. "6281234567890").
	Phone string `json:"phone"`
	// Column is the spreadsheet column label the number came from.
	Column string `json:"column"`
	// Raw is the original cell text before normalization.
	Raw string `json:"raw"`
}

// MessageRow is one parsed spreadsheet row. Immutable once handed to the
// dispatch queue.
type MessageRow struct {
	// Ordinal is the 1-based row number in the source sheet.
	Ordinal int `json:"row"`
	// Name and Reference are carried for reporting only.
	Name      string `json:"name,omitempty"`
	Reference string `json:"reference,omitempty"`
	// Message is the plain-text body, sent verbatim.
	Message string        `json:"message"`
	Phones  []PhoneTarget `json:"phones"`
}

// TargetCount returns the number of dispatchable (row, phone) pairs.
func TargetCount(rows []MessageRow) int {
	n := 0
	for _, r := range rows {
		n += len(r.Phones)
	}
	return n
}

// LogStatus is the terminal status of one dispatch task.
type LogStatus string

const (
	LogSent    LogStatus = "sent"
	LogFailed  LogStatus = "failed"
	LogPending LogStatus = "pending"
)

// LogEntry is the immutable record of one task's terminal outcome.
type LogEntry struct {
	ID         string    `json:"id"`
	Row        int       `json:"row"`
	Column     string    `json:"column"`
	Phone      string    `json:"phone"`
	Reference  string    `json:"reference,omitempty"`
	Name       string    `json:"name,omitempty"`
	Status     LogStatus `json:"status"`
	Message    string    `json:"message,omitempty"`
	Error      string    `json:"error,omitempty"`
	At         time.Time `json:"at"`
	RetryCount int       `json:"retry_count"`
}

// Stats is the aggregate counter set for the active batch.
// Invariant: Sent + Failed + Remaining == Total.
type Stats struct {
	Total     int `json:"total"`
	Sent      int `json:"sent"`
	Failed    int `json:"failed"`
	Remaining int `json:"remaining"`
}
