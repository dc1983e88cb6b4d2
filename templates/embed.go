// Package templates embeds the files `conductor init` writes into a new
// .conductor/ directory.
package templates

import "embed"

//go:embed config.yaml context.toml
var FS embed.FS
