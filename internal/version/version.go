// Package version pins the release string stamped into binaries.
package version

const Version = "0.1.0"
