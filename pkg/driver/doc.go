// Package driver hosts the driver registry and the built-in resource
// drivers. A driver owns all provider-specific behavior for one resource
// kind; the engine talks to drivers only through the capability interface.
package driver
