package types

// InstallArtifact describes an installed conformance-suite binary.
// It is created by the installer and treated as read-only by later stages.
type InstallArtifact struct {
	Name           string // Binary name (e.g. "h2spec")
	Path           string // Absolute path to the runnable binary
	Version        string // Version tag the artifact was installed from
	Checksum       string // sha256 of the downloaded payload, empty for local artifacts
	BinaryChecksum string // sha256 of the binary itself
	Source         string // Download URL or "local"
}
