// Package resolver contains the dependency resolver core for module-based
// workflows. It inspects workflow definitions, instantiates modules from the
// registry, and evaluates dependency readiness for the workflow engine.
package resolver
