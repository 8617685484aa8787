// Package engine ties the workflow resolver and scheduler together. It exposes
// a persistence-backed engine that can start new workflow runs, resume
// existing ones, hand out claims on runnable nodes, and fold results back in.
// A claim lives until its node succeeds or runs out of attempts.
package engine
