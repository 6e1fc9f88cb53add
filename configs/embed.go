// Package configs provides the embedded configuration template for kestrel.
//
// The template is embedded at build time with //go:embed so it ships in
// every distribution. `kestrel init` writes it to the working directory
// as a starting point; internal/config merges the file over the defaults,
// so a trimmed-down copy works too.
package configs

import _ "embed"

// ConfigTemplate is the annotated example configuration written by
// `kestrel init`.
//
//go:embed kestrel.example.yaml
var ConfigTemplate string
