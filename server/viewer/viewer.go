// Package viewer holds the embedded browser page that shows the live overlay and label feed.
package viewer

import "embed"

//go:embed www
var Files embed.FS

// Root directory of Files
const RootDir = "www"
