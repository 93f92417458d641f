package loki

// pushRequest is the body of a Loki push call.
type pushRequest struct {
	Streams []stream `json:"streams"`
}

// stream is one label set and its lines.
type stream struct {
	Labels map[string]string `json:"stream"`
	Values []line            `json:"values"`
}

// line is a [unix nanoseconds, text] pair.
type line [2]string

// record is one zap entry as shipped to Loki.
type record struct {
	Level   string         `json:"level"`
	Time    string         `json:"ts"`
	Logger  string         `json:"logger,omitempty"`
	Message string         `json:"msg"`
	Caller  string         `json:"caller,omitempty"`
	Stack   string         `json:"stacktrace,omitempty"`
	Fields  map[string]any `json:"fields,omitempty"`
}
