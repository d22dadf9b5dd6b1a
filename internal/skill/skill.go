package skill

// Descriptor is one installable skill found by discovery.
type Descriptor struct {
	Name string `json:"name"`
}

// Listing is the result of enumerating a repository source.
// Skills keep the order the upstream listing returned them in.
type Listing struct {
	Source   string       `json:"source"`
	Owner    string       `json:"owner"`
	Repo     string       `json:"repo"`
	BasePath string       `json:"base_path"` // "skills/" or "" for the repository root
	Skills   []Descriptor `json:"skills"`
}

// Names returns the skill names in listing order.
func (l *Listing) Names() []string {
	if l == nil {
		return nil
	}
	out := make([]string, len(l.Skills))
	for i, s := range l.Skills {
		out[i] = s.Name
	}
	return out
}

// Has reports whether name was part of the listing.
func (l *Listing) Has(name string) bool {
	if l == nil {
		return false
	}
	for _, s := range l.Skills {
		if s.Name == name {
			return true
		}
	}
	return false
}

// InstallResult is produced once per installer invocation. A failed result
// always carries a human-readable Message and, when a process ran, its
// captured output in Details.
type InstallResult struct {
	Success        bool   `json:"success"`
	Message        string `json:"message"`
	Details        string `json:"details,omitempty"`
	Path           string `json:"path,omitempty"`
	Description    string `json:"description,omitempty"`
	AlreadyPresent bool   `json:"already_present,omitempty"`
	Kind           Kind   `json:"kind,omitempty"`
}

// Failed builds an unsuccessful result of the given kind.
func Failed(kind Kind, message, details string) InstallResult {
	return InstallResult{
		Success: false,
		Kind:    kind,
		Message: message,
		Details: details,
	}
}
