package types

// Load status values carried by tab-updated events.
const (
	StatusLoading  = "loading"
	StatusComplete = "complete"
)

// Tab is a snapshot of a browser tab as reported by the host.
type Tab struct {
	ID       string `json:"id"`
	WindowID int    `json:"window_id,omitempty"`
	URL      string `json:"url,omitempty"`
	Title    string `json:"title,omitempty"`
	Active   bool   `json:"active"`
	Status   string `json:"status,omitempty"`
}

// TabEventKind distinguishes the two host notifications the agent consumes.
type TabEventKind int

const (
	TabActivated TabEventKind = iota + 1
	TabUpdated
)

func (k TabEventKind) String() string {
	switch k {
	case TabActivated:
		return "tab_activated"
	case TabUpdated:
		return "tab_updated"
	default:
		return "unknown"
	}
}

// ChangeInfo describes what changed in a tab-updated event.
type ChangeInfo struct {
	Status string `json:"status,omitempty"`
	URL    string `json:"url,omitempty"`
}

// TabEvent is a single notification from the host.
// Activated events carry only TabID; Updated events also carry Change and Tab.
type TabEvent struct {
	Kind   TabEventKind
	TabID  string
	Change ChangeInfo
	Tab    Tab
}

const maxLogURL = 120

// ShortURL trims url for log lines.
func ShortURL(url string) string {
	if len(url) > maxLogURL {
		return url[:maxLogURL] + "..."
	}
	return url
}
