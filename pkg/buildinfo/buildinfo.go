package buildinfo

// Version is overwritten at link time, eg -ldflags "-X github.com/cyclopcam/livedetect/pkg/buildinfo.Version=1.2.0"
var Version = "dev"

// Multiarch is filled in by the Debian build system.
// It's the directory you see in /usr/lib/XXX, such as /usr/lib/x86_64-linux-gnu, or /usr/lib/aarch64-linux-gnu.
// The packaged ONNX Runtime library lives inside it.
// If the value of Multiarch is "unknown", then we ignore this path.
var Multiarch = "unknown"

// LibraryDir returns the multiarch library directory, or an empty string if it is unknown
func LibraryDir() string {
	if Multiarch == "unknown" || Multiarch == "" {
		return ""
	}
	return "/usr/lib/" + Multiarch
}
