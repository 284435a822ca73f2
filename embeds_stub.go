//go:build !embed
// +build !embed

package main

import "embed"

// Empty without the embed tag; the models are downloaded or read from disk
var modelFiles embed.FS
