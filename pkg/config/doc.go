// Package config loads and validates deployment manifests. A manifest is a
// YAML document naming the deployment and declaring its resources; values
// may reference other resources' outputs with ${name.attr} interpolation,
// which the engine resolves at plan and apply time.
package config
