package canonical

// TenantID scopes every entity and event to exactly one project. The name
// is kept generic (rather than ProjectID) so EntityRef/Event stay reusable
// envelope types shared by every component, not a Knox-specific one.
type TenantID string

// EntityID is an opaque identifier (uuid v4 string in this module).
type EntityID string

// EntityKind is a normalized, lowercase entity discriminator such as
// "project", "document", "project_note", "journalist_note", "source".
type EntityKind string

type EventID string
type TraceID string
type SpanID string
type CorrelationID string

// EventType is a stable dotted category, e.g. "document.sanitized".
type EventType string
