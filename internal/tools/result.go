package tools

// ResultType tags what a tool produced.
type ResultType string

const (
	ResultText  ResultType = "text"
	ResultImage ResultType = "image"
	ResultError ResultType = "error"
)

// Metadata keys the loop understands.
const (
	MetaArtifact  = "artifact"  // string path
	MetaArtifacts = "artifacts" // []string paths
	MetaCaption   = "caption"   // text sent alongside an image result
)

// Result is the unified return type from tool execution.
// For image results Content holds base64 data and MediaType its MIME type.
type Result struct {
	Type      ResultType     `json:"type"`
	Content   string         `json:"content"`
	MediaType string         `json:"media_type,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Err       error          `json:"-"` // internal error (not serialized)
}

func NewResult(content string) *Result {
	return &Result{Type: ResultText, Content: content}
}

func ErrorResult(message string) *Result {
	return &Result{Type: ResultError, Content: message}
}

func ImageResult(data, mediaType string) *Result {
	return &Result{Type: ResultImage, Content: data, MediaType: mediaType}
}

func (r *Result) IsError() bool { return r.Type == ResultError }

func (r *Result) WithError(err error) *Result {
	r.Err = err
	return r
}

func (r *Result) WithMeta(key string, value any) *Result {
	if r.Metadata == nil {
		r.Metadata = make(map[string]any)
	}
	r.Metadata[key] = value
	return r
}

// Artifacts returns the artifact paths recorded in the result metadata.
func (r *Result) Artifacts() []string {
	if r == nil || r.Metadata == nil {
		return nil
	}
	var out []string
	if s, ok := r.Metadata[MetaArtifact].(string); ok && s != "" {
		out = append(out, s)
	}
	switch v := r.Metadata[MetaArtifacts].(type) {
	case []string:
		out = append(out, v...)
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}
