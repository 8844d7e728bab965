// Package states defines the transition tables of the cluster entities managed
// by the control plane: host connectivity and asynchronous job status.
package states
