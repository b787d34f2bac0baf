package types

// EventContextChange is the only event the companion protocol defines.
const EventContextChange = "context_change"

// AppNone is the app label sent when no recognized tool has focus.
const AppNone = "null"

// ContextChange is the JSON frame sent to the companion application.
type ContextChange struct {
	Event string `json:"event"`
	App   string `json:"app"`
	URL   string `json:"url"`
}

// NewContextChange builds a context_change frame for app and url.
func NewContextChange(app, url string) ContextChange {
	return ContextChange{Event: EventContextChange, App: app, URL: url}
}
