//go:build embed
// +build embed

package main

import "embed"

// Embed the exported models so the binary runs without a download
//
//go:embed model_bundle
var modelFiles embed.FS
