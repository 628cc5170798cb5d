// Package instance identifies the running process for cross-instance
// coordination, such as Redis lock ownership.
package instance

import "os"

// GetID returns a stable identity for this process. Deployments set
// PIXMINT_INSTANCE_ID (the pod name under Kubernetes); local runs fall back
// to the hostname so two processes on one machine stay distinguishable.
func GetID() string {
	if id := os.Getenv("PIXMINT_INSTANCE_ID"); id != "" {
		return id
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "instance-0"
}
