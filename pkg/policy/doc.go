// Package policy gates plans with Rego policies before apply. Built-in
// policies guard destructive operations; operators add their own .rego
// files, hot-reloaded on change.
package policy
