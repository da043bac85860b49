// Package provider describes the capabilities of a coding-agent provider
// backing a session (spec.md §4). It is plain data: this module does not
// implement any wire protocol against a specific provider, only the
// capability descriptor the rest of the system reasons about.
package provider

// Capabilities is a provider's declared feature surface.
type Capabilities struct {
	SupportsJSONOutput     bool
	SupportsFileOperations bool
	SupportsGitOperations  bool
	SupportsCodeExecution  bool
	SupportsStreaming      bool
	MaxContextLength       int
	SupportedLanguages     []string
}

// Descriptor names a provider and its capabilities.
type Descriptor struct {
	Name         string
	Capabilities Capabilities
}

// Supports reports whether the descriptor declares support for a given
// language (case-sensitive, matching how spec.md's supported-languages
// lists are authored).
func (d Descriptor) Supports(language string) bool {
	for _, l := range d.Capabilities.SupportedLanguages {
		if l == language {
			return true
		}
	}
	return false
}
