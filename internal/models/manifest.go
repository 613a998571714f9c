package models

// ManifestFormat names a dependency manifest syntax.
type ManifestFormat string

const (
	FormatRequirements ManifestFormat = "requirements"
	FormatPipfileLock  ManifestFormat = "pipfile-lock"
	FormatPylock       ManifestFormat = "pylock"
	FormatPoetryLock   ManifestFormat = "poetry-lock"
	FormatUVLock       ManifestFormat = "uv-lock"
	FormatUnknown      ManifestFormat = ""
)

// Manifest is a parsed dependency manifest.
type Manifest struct {
	Path    string         `json:"path"`
	Format  ManifestFormat `json:"format"`
	Entries []Requirement  `json:"entries"`
}

// Requirement is one package entry. Specifier holds the raw version clause
// (e.g. "==1.2.3" or ">=1,<2"); lock formats set Version only.
type Requirement struct {
	Name      string   `json:"name"`
	Extras    []string `json:"extras,omitempty"`
	Specifier string   `json:"specifier,omitempty"`
	Version   string   `json:"version,omitempty"`
	Marker    string   `json:"marker,omitempty"`
	Line      int      `json:"line,omitempty"`
	Section   string   `json:"section,omitempty"`
	Hashed    bool     `json:"hashed,omitempty"` // requirements line carries --hash
}
