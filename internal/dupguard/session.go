package dupguard

// SessionContext is the per-customer-session processing-order marker.
// It expires with the session; the guard only ever reads, sets, or clears
// the current order id.
type SessionContext interface {
	ProcessingOrderID() string
	SetProcessingOrderID(id string)
	Clear()
}

// Session is a plain in-memory SessionContext, suitable for tests and for
// callers that bind one value per request.
type Session struct {
	processingOrderID string
}

func NewSession() *Session { return &Session{} }

func (s *Session) ProcessingOrderID() string      { return s.processingOrderID }
func (s *Session) SetProcessingOrderID(id string) { s.processingOrderID = id }
func (s *Session) Clear()                         { s.processingOrderID = "" }
