package logtrace

// Fields is a type alias for structured log fields
type Fields map[string]interface{}

// WithFields returns a copy of base with extra fields merged in.
func WithFields(base Fields, extra Fields) Fields {
	fields := Fields{}
	for key, value := range base {
		fields[key] = value
	}
	for key, value := range extra {
		fields[key] = value
	}
	return fields
}

const (
	FieldModule   = "module"
	FieldError    = "error"
	FieldStatus   = "status"
	FieldMethod   = "method"
	FieldKey      = "key"
	FieldPeer     = "peer"
	FieldBatch    = "batch"
	FieldIdentity = "identity"
	FieldDataType = "data_type"
	FieldVersion  = "version"
	FieldCount    = "count"
)
